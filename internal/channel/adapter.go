// Package channel normalizes heterogeneous inbound payloads into a canonical
// Turn and renders a compiled Reply into channel-specific output. The adapter
// has no side effects beyond parsing and never mutates state.
package channel

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"chorus/internal/logging"
	"chorus/internal/types"

	"github.com/google/uuid"
)

// maxSpeakableChars bounds a single voice utterance. Replies longer than
// this cannot be expressed on the voice channel and fall back to an
// API-compatible rendering.
const maxSpeakableChars = 4096

// Adapter converts between raw channel payloads and canonical types.
type Adapter struct{}

// New returns a channel adapter.
func New() *Adapter {
	return &Adapter{}
}

// inboundPayload is the wire shape accepted on all channels. Voice gateways
// send transcript/caller_id aliases, which normalize to the same fields.
type inboundPayload struct {
	SessionID string                 `json:"session_id"`
	UserID    string                 `json:"user_id"`
	Text      string                 `json:"text"`
	Metadata  map[string]interface{} `json:"metadata"`

	// Voice gateway aliases
	CallID     string `json:"call_id"`
	CallerID   string `json:"caller_id"`
	Transcript string `json:"transcript"`
}

// Normalize parses a raw inbound payload into a Turn.
// Fails with types.ErrUnsupportedChannel for an unrecognized channel hint and
// types.ErrMalformedInput when required fields cannot be extracted. A missing
// session id is tolerated: a fresh one is minted so first-contact turns work.
func (a *Adapter) Normalize(raw []byte, channelHint string) (types.Turn, error) {
	ch := types.ChannelType(strings.ToLower(strings.TrimSpace(channelHint)))
	if !ch.Valid() {
		return types.Turn{}, fmt.Errorf("%w: %q", types.ErrUnsupportedChannel, channelHint)
	}

	var payload inboundPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return types.Turn{}, fmt.Errorf("%w: %v", types.ErrMalformedInput, err)
	}

	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = payload.CallID
	}
	userID := payload.UserID
	if userID == "" {
		userID = payload.CallerID
	}
	text := payload.Text
	if text == "" {
		text = payload.Transcript
	}

	if userID == "" {
		return types.Turn{}, fmt.Errorf("%w: missing user id", types.ErrMalformedInput)
	}
	if strings.TrimSpace(text) == "" {
		return types.Turn{}, fmt.Errorf("%w: missing text", types.ErrMalformedInput)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
		logging.ChannelDebug("minted session id %s for user %s", sessionID, userID)
	}

	turn := types.Turn{
		SessionID:   sessionID,
		UserID:      userID,
		Channel:     ch,
		Text:        text,
		ReceivedAt:  time.Now(),
		RawMetadata: payload.Metadata,
	}
	logging.ChannelDebug("normalized %s turn: session=%s user=%s text_len=%d",
		ch, sessionID, userID, len(text))
	return turn, nil
}

// MarshalInbound builds a canonical inbound payload. Used by callers that
// originate turns in-process (the CLI) rather than receiving them off a wire.
func MarshalInbound(sessionID, userID, text string) ([]byte, error) {
	return json.Marshal(inboundPayload{
		SessionID: sessionID,
		UserID:    userID,
		Text:      text,
	})
}

// Render produces the channel-specific payload for a compiled reply.
// Fails with types.ErrRenderUnsupported when the channel cannot express the
// reply's content; the orchestrator then falls back to RenderPlain.
func (a *Adapter) Render(reply types.Reply, channel types.ChannelType) ([]byte, error) {
	switch channel {
	case types.ChannelVoice:
		return renderVoice(reply)
	case types.ChannelChat:
		return renderChat(reply)
	case types.ChannelAPI:
		return RenderPlain(reply)
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnsupportedChannel, channel)
	}
}

// RenderPlain returns the reply as a plain structured object. This is both
// the api channel rendering and the fallback for channels that cannot
// express a reply. It never fails for a valid reply.
func RenderPlain(reply types.Reply) ([]byte, error) {
	return json.Marshal(struct {
		SessionID           string    `json:"session_id"`
		Text                string    `json:"text"`
		ContributingWorkers []string  `json:"contributing_workers"`
		CompiledAt          time.Time `json:"compiled_at"`
	}{
		SessionID:           reply.SessionID,
		Text:                reply.Text,
		ContributingWorkers: reply.ContributingWorkers,
		CompiledAt:          reply.CompiledAt,
	})
}

// renderVoice wraps the reply text in prosody-control markup.
func renderVoice(reply types.Reply) ([]byte, error) {
	if len(reply.Text) > maxSpeakableChars {
		return nil, fmt.Errorf("%w: reply of %d chars exceeds voice limit",
			types.ErrRenderUnsupported, len(reply.Text))
	}

	var escaped strings.Builder
	if err := xml.EscapeText(&escaped, []byte(reply.Text)); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrRenderUnsupported, err)
	}

	ssml := fmt.Sprintf(`<speak><prosody rate="medium" pitch="default">%s</prosody></speak>`,
		escaped.String())
	return []byte(ssml), nil
}

// chatCard is the structured card payload for the chat channel. Sections are
// ordered by the reply's contributor ordering, most-confident first.
type chatCard struct {
	SessionID string        `json:"session_id"`
	Title     string        `json:"title"`
	Sections  []cardSection `json:"sections"`
}

type cardSection struct {
	Source string `json:"source,omitempty"`
	Text   string `json:"text"`
}

func renderChat(reply types.Reply) ([]byte, error) {
	card := chatCard{
		SessionID: reply.SessionID,
		Title:     "Reply",
	}

	// The compiler carries each contributor's text on the reply, so a worker
	// whose text spans multiple paragraphs stays attributed to one source.
	if len(reply.Sections) == 0 {
		card.Sections = []cardSection{{Text: reply.Text}}
		return json.Marshal(card)
	}

	for _, section := range reply.Sections {
		card.Sections = append(card.Sections, cardSection{Source: section.WorkerID, Text: section.Text})
	}
	return json.Marshal(card)
}
