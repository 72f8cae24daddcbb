package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/speakstream/pkg/provider/tts"
)

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string             `json:"text"`
	VoiceSettings *tts.VoiceSettings `json:"voice_settings,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string             `json:"text"`
	VoiceSettings *tts.VoiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string             `json:"xi_api_key"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio in the output format
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// openWebSocket dials stream-input, sends the whole text followed by the
// flush command and returns a stream over the audio messages.
func (p *Provider) openWebSocket(ctx context.Context, req tts.Request) (tts.Stream, error) {
	wsURL := buildURLForVoice(p.baseURL, req.VoiceID, req.ModelID, p.outputFormat)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	// ElevenLabs requires a non-empty first text value.
	boi, err := json.Marshal(boiMessage{Text: " ", VoiceSettings: req.Settings, XiAPIKey: p.apiKey})
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("elevenlabs: marshal BOI: %w", err)
	}
	text, _ := buildWSMessage(strings.TrimSpace(req.Text)+" ", nil)
	flush, _ := buildWSMessage("", nil)
	for _, m := range [][]byte{boi, text, flush} {
		if err := conn.Write(ctx, websocket.MessageText, m); err != nil {
			conn.Close(websocket.StatusInternalError, "write failed")
			return nil, fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}

	return &wsStream{
		ctx:  ctx,
		conn: conn,
		info: tts.StreamInfo{
			ContentType: p.ContentType(),
			Transport:   tts.TransportWebSocket,
			VoiceID:     req.VoiceID,
		},
	}, nil
}

type wsStream struct {
	ctx       context.Context
	conn      *websocket.Conn
	info      tts.StreamInfo
	done      bool
	closeOnce sync.Once
}

func (s *wsStream) Info() tts.StreamInfo { return s.info }

func (s *wsStream) Next() ([]byte, error) {
	for !s.done {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.done = true
				break
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, &tts.APIError{Provider: providerName, StatusCode: resp.Code, Message: strings.TrimSpace(resp.Error + " " + resp.Message)}
		}
		s.done = resp.IsFinal
		if resp.Audio == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			continue
		}
		return data, nil
	}
	return nil, io.EOF
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.conn.Close(websocket.StatusNormalClosure, "done")
	})
	return nil
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
func buildWSMessage(text string, vs *tts.VoiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildURLForVoice constructs the stream-input WebSocket URL for a voice. The
// REST base URL's scheme is mapped to its WebSocket counterpart.
func buildURLForVoice(baseURL, voiceID, model, outputFormat string) string {
	base := baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{"model_id": {model}, "output_format": {outputFormat}}
	return base + fmt.Sprintf(wsPathFmt, url.PathEscape(voiceID)) + "?" + q.Encode()
}
