//go:build !no_automation

package automation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func TestSystemDatetime(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, e)

	tests := []struct {
		component string
		want      lua.LValueType
	}{
		{"hour", lua.LTNumber},
		{"minute", lua.LTNumber},
		{"weekday", lua.LTNumber},
		{"year", lua.LTNumber},
		{"timestamp", lua.LTNumber},
		{"time_str", lua.LTString},
		{"date_str", lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			L.SetGlobal("_comp", lua.LString(tt.component))
			if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_result").Type(); got != tt.want {
				t.Errorf("type = %v, want %v", got, tt.want)
			}
		})
	}

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("unknown component accepted")
	}
}

func TestHourBetween(t *testing.T) {
	tests := []struct {
		hour, from, to int
		want           bool
	}{
		{10, 8, 22, true},
		{8, 8, 22, true},
		{22, 8, 22, false},
		{7, 8, 22, false},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{6, 22, 6, false},
		{12, 22, 6, false},
	}
	for _, tt := range tests {
		if got := hourBetween(tt.hour, tt.from, tt.to); got != tt.want {
			t.Errorf("hourBetween(%d, %d, %d) = %v, want %v", tt.hour, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSystemTimeBetweenCurrentHour(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, e)

	hour := time.Now().Hour()
	L.SetGlobal("_from", lua.LNumber(hour))
	L.SetGlobal("_to", lua.LNumber((hour+1)%24))
	if err := L.DoString(`_result = system.time_between(_from, _to)`); err != nil {
		t.Fatal(err)
	}
	if L.GetGlobal("_result") != lua.LTrue {
		t.Errorf("time_between(%d, %d) = false", hour, (hour+1)%24)
	}
}

func TestTelegramSendNoConfig(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	L := lua.NewState()
	defer L.Close()
	registerTelegramModule(L, e)

	if err := L.DoString(`telegram.send("test")`); err != nil {
		t.Fatal(err)
	}
}

func TestTelegramSend(t *testing.T) {
	got := make(chan map[string]string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
	}))
	defer srv.Close()

	e, _, _, _ := newTestEngine(t)
	e.telegram = TelegramConfig{BotToken: "TOKEN", ChatIDs: []string{"100"}, APIBase: srv.URL}

	L := lua.NewState()
	defer L.Close()
	registerTelegramModule(L, e)
	if err := L.DoString(`telegram.send("pm10 high")`); err != nil {
		t.Fatal(err)
	}

	select {
	case body := <-got:
		if body["chat_id"] != "100" || body["text"] != "pm10 high" {
			t.Errorf("body = %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("telegram request not sent")
	}
}
