package platform

import (
	"context"
	"sync"
)

// Call is one recorded outbound API call.
type Call struct {
	Method   string
	ChatID   int64
	MID      int64
	Text     string
	FileID   string
	MIDs     []int64
	ReplyTo  int64
	Buttons  [][]Button
	Entities []Entity
}

// Recorder is an in-memory Client for tests. Errors can be scripted per chat
// id to simulate blocked recipients and rate limits.
type Recorder struct {
	mu     sync.Mutex
	nextID int64
	calls  []Call
	fail   map[int64]error
}

func NewRecorder() *Recorder {
	return &Recorder{fail: make(map[int64]error)}
}

// FailChat makes every delivery to the chat return err.
func (r *Recorder) FailChat(chatID int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[chatID] = err
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsTo filters recorded calls by chat id.
func (r *Recorder) CallsTo(chatID int64) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.ChatID == chatID {
			out = append(out, c)
		}
	}
	return out
}

func (r *Recorder) record(c Call) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[c.ChatID]; err != nil {
		return 0, err
	}
	r.nextID++
	c.MID = r.nextID
	r.calls = append(r.calls, c)
	return r.nextID, nil
}

func (r *Recorder) SendText(_ context.Context, chatID int64, text string, opts *SendOptions) (int64, error) {
	c := Call{Method: "SendText", ChatID: chatID, Text: text}
	if opts != nil {
		c.Buttons = opts.Buttons
		c.ReplyTo = opts.ReplyTo
		c.Entities = opts.Entities
	}
	return r.record(c)
}

func (r *Recorder) SendPhoto(_ context.Context, chatID int64, fileID, caption string, opts *SendOptions) (int64, error) {
	c := Call{Method: "SendPhoto", ChatID: chatID, FileID: fileID, Text: caption}
	if opts != nil {
		c.Buttons = opts.Buttons
	}
	return r.record(c)
}

func (r *Recorder) SendVoice(_ context.Context, chatID int64, fileID string, data []byte, caption string, opts *SendOptions) (int64, string, error) {
	if fileID == "" {
		fileID = "voice-file-id"
	}
	c := Call{Method: "SendVoice", ChatID: chatID, FileID: fileID, Text: caption}
	if opts != nil {
		c.ReplyTo = opts.ReplyTo
		c.Entities = opts.Entities
	}
	mid, err := r.record(c)
	if err != nil {
		return 0, "", err
	}
	return mid, fileID, nil
}

func (r *Recorder) CopyMessage(_ context.Context, toChat, _ int64, mid int64, caption string, opts *SendOptions) (int64, error) {
	c := Call{Method: "CopyMessage", ChatID: toChat, MID: mid, Text: caption}
	if opts != nil {
		c.ReplyTo = opts.ReplyTo
		c.Entities = opts.Entities
	}
	return r.record(c)
}

func (r *Recorder) EditText(_ context.Context, chatID, mid int64, text string, opts *SendOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[chatID]; err != nil {
		return err
	}
	c := Call{Method: "EditText", ChatID: chatID, MID: mid, Text: text}
	if opts != nil {
		c.Entities = opts.Entities
	}
	r.calls = append(r.calls, c)
	return nil
}

func (r *Recorder) EditMarkup(_ context.Context, chatID, mid int64, buttons [][]Button) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "EditMarkup", ChatID: chatID, MID: mid, Buttons: buttons})
	return nil
}

func (r *Recorder) DeleteMessages(_ context.Context, chatID int64, mids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[chatID]; err != nil {
		return err
	}
	r.calls = append(r.calls, Call{Method: "DeleteMessages", ChatID: chatID, MIDs: mids})
	return nil
}

func (r *Recorder) PinMessage(_ context.Context, chatID, mid int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "PinMessage", ChatID: chatID, MID: mid})
	return nil
}

func (r *Recorder) UnpinMessage(_ context.Context, chatID, mid int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "UnpinMessage", ChatID: chatID, MID: mid})
	return nil
}

func (r *Recorder) AnswerCallback(_ context.Context, queryID, text string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "AnswerCallback", Text: text, FileID: queryID})
	return nil
}

func (r *Recorder) SetCommands(_ context.Context, _ []Command) error { return nil }

func (r *Recorder) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	return []byte("voice:" + fileID), nil
}

func (r *Recorder) Username() string { return "velvet_test_bot" }

var _ Client = (*Recorder)(nil)
