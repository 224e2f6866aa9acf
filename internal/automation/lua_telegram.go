//go:build !no_automation

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	lua "github.com/yuin/gopher-lua"
)

// registerTelegramModule registers the `telegram` global table in a Lua state.
func registerTelegramModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		if e.telegram.BotToken == "" || len(e.telegram.ChatIDs) == 0 {
			e.logger.Warn("telegram.send: bot_token or chat_ids not configured")
			return 0
		}
		for _, chatID := range e.telegram.ChatIDs {
			go func(cid string) {
				if err := e.sendTelegram(context.Background(), cid, msg); err != nil {
					e.logger.Error("telegram send", "chat_id", cid, "err", err)
				}
			}(chatID)
		}
		return 0
	}))
	L.SetGlobal("telegram", mod)
}

func (e *Engine) sendTelegram(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(map[string]string{"chat_id": chatID, "text": text})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", e.telegram.APIBase, e.telegram.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	return nil
}
