package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/altermind/altermind/internal/store"
	"github.com/altermind/altermind/internal/stream"
	"github.com/altermind/altermind/pkg/protocol"
)

const chatLineWidth = 100

func chatCmd() *cobra.Command {
	var serverURL, sessionID, token string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat client over the gateway WebSocket",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runChat(serverURL, sessionID, token); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "ws://127.0.0.1:8100/ws", "gateway WebSocket URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	cmd.Flags().StringVar(&token, "token", os.Getenv("ALTERMIND_GATEWAY_TOKEN"), "gateway token")
	return cmd
}

type chatClient struct {
	conn    *websocket.Conn
	ctx     context.Context
	pending chan *protocol.ResponseFrame
}

func runChat(serverURL, sessionID, token string) error {
	ctx := context.Background()
	if token != "" {
		serverURL += "?token=" + token
	}

	conn, _, err := websocket.Dial(ctx, serverURL, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(1 << 20)

	c := &chatClient{conn: conn, ctx: ctx, pending: make(chan *protocol.ResponseFrame, 8)}
	events := make(chan *eventEnvelope, 64)
	go c.readLoop(events)

	if _, err := c.call(protocol.MethodConnect, nil); err != nil {
		return err
	}

	if sessionID == "" {
		res, err := c.call(protocol.MethodSessionsCreate, map[string]string{})
		if err != nil {
			return err
		}
		var sess store.Session
		remarshal(res, &sess)
		sessionID = sess.ID
		fmt.Printf("session %s\n", sessionID)
	}
	if _, err := c.call(protocol.MethodChatWatch, map[string]string{"sessionId": sessionID}); err != nil {
		return err
	}

	go c.renderEvents(events, sessionID)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/abort":
			c.call(protocol.MethodChatAbort, map[string]string{"sessionId": sessionID})
		case strings.HasPrefix(line, "/approve "):
			_, err := c.call(protocol.MethodApprovalApprove, map[string]string{
				"sessionId": sessionID, "messageId": strings.TrimSpace(line[9:]),
			})
			if err != nil {
				fmt.Println("approve failed:", err)
			}
		case strings.HasPrefix(line, "/deny "):
			_, err := c.call(protocol.MethodApprovalDeny, map[string]string{
				"sessionId": sessionID, "messageId": strings.TrimSpace(line[6:]),
			})
			if err != nil {
				fmt.Println("deny failed:", err)
			}
		default:
			_, err := c.call(protocol.MethodChatSend, map[string]string{
				"sessionId": sessionID, "content": line,
			})
			if err != nil {
				fmt.Println("send failed:", err)
			}
		}
	}
	return scanner.Err()
}

type eventEnvelope struct {
	Topic string
	Type  string
	Raw   json.RawMessage
}

func (c *chatClient) readLoop(events chan<- *eventEnvelope) {
	defer close(events)
	for {
		var frame struct {
			Kind    string          `json:"kind"`
			ID      string          `json:"id"`
			OK      bool            `json:"ok"`
			Result  json.RawMessage `json:"result"`
			Error   *protocol.ErrorBody `json:"error"`
			Topic   string          `json:"topic"`
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := wsjson.Read(c.ctx, c.conn, &frame); err != nil {
			return
		}
		switch frame.Kind {
		case protocol.FrameResponse:
			c.pending <- &protocol.ResponseFrame{
				Kind: frame.Kind, ID: frame.ID, OK: frame.OK,
				Result: frame.Result, Error: frame.Error,
			}
		case protocol.FrameEvent:
			events <- &eventEnvelope{Topic: frame.Topic, Type: frame.Type, Raw: frame.Payload}
		}
	}
}

func (c *chatClient) call(method string, params interface{}) (interface{}, error) {
	req := protocol.RequestFrame{
		Kind:   protocol.FrameRequest,
		ID:     uuid.NewString(),
		Method: method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	if err := wsjson.Write(c.ctx, c.conn, &req); err != nil {
		return nil, err
	}
	res := <-c.pending
	if res == nil {
		return nil, fmt.Errorf("connection closed")
	}
	if !res.OK {
		return nil, fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message)
	}
	return res.Result, nil
}

// renderEvents prints the stream to the terminal: tokens inline, tool
// activity as width-trimmed status lines.
func (c *chatClient) renderEvents(events <-chan *eventEnvelope, sessionID string) {
	var assistantID string
	for env := range events {
		var ev stream.Event
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			continue
		}
		switch env.Type {
		case protocol.EventSnapshot:
			if ev.Snapshot != nil {
				assistantID = ev.Snapshot.AssistantID
				if ev.Snapshot.Content != "" {
					fmt.Print(ev.Snapshot.Content)
				}
			}
		case protocol.EventToken:
			fmt.Print(ev.Token)
		case protocol.EventToolCall:
			if ev.ToolCall != nil {
				args, _ := json.Marshal(ev.ToolCall.Arguments)
				fmt.Println("\n" + trimLine(fmt.Sprintf("[tool call %s %s]", ev.ToolCall.Name, args)))
			}
		case protocol.EventToolResult:
			if ev.ToolResult != nil {
				status := "ok"
				if ev.ToolResult.IsError {
					status = "error"
				}
				fmt.Println(trimLine(fmt.Sprintf("[tool result %s: %s]", status, ev.ToolResult.Output)))
			}
		case protocol.EventAutoApproved:
			fmt.Println(trimLine("[auto-approved " + ev.MessageID + "]"))
		case protocol.EventDone:
			if ev.Done != nil && ev.Done.HasToolCalls {
				fmt.Printf("\n[pending tool calls: /approve %s or /deny %s]\n> ", assistantID, assistantID)
			} else {
				fmt.Print("\n> ")
			}
		case protocol.EventError:
			if ev.Error != nil {
				fmt.Printf("\n[error %s: %s]\n> ", ev.Error.Code, ev.Error.Message)
			}
		case protocol.EventCompaction:
			fmt.Println(trimLine("[conversation compacted]"))
		}
	}
}

// trimLine bounds a status line to the display width, runewidth-aware so
// CJK output doesn't wrap.
func trimLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return runewidth.Truncate(s, chatLineWidth, "…")
}

func remarshal(v interface{}, out interface{}) {
	switch raw := v.(type) {
	case json.RawMessage:
		json.Unmarshal(raw, out)
	default:
		b, _ := json.Marshal(v)
		json.Unmarshal(b, out)
	}
}
