package chat

import "context"

// Phase is the stage a send is in.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePreparing
	PhaseAwaitingModel
	PhaseStreaming
	PhaseNonStreaming
	PhaseToolExecution
	PhaseFinalizing
	PhaseAborted
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePreparing:
		return "preparing"
	case PhaseAwaitingModel:
		return "loading model"
	case PhaseStreaming:
		return "streaming"
	case PhaseNonStreaming:
		return "waiting for response"
	case PhaseToolExecution:
		return "running tools"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseAborted:
		return "stopped"
	case PhaseError:
		return "error"
	}
	return "unknown"
}

// Update is the streamed content of the answer being produced. MessageID is
// set when an existing message is being continued.
type Update struct {
	ThreadID   string
	MessageID  string
	Content    string
	TokenSpeed float64
	Tokens     int
}

// PromptProgress reports how much of the prompt a local server has
// processed. Done clears the indicator.
type PromptProgress struct {
	ThreadID string
	Fraction float64
	Done     bool
}

// ToastLevel is the severity of a toast.
type ToastLevel int

const (
	ToastInfo ToastLevel = iota
	ToastLoading
	ToastWarning
	ToastError
)

// Toast is a transient notice. A toast with Dismiss set removes the toast
// with the same ID.
type Toast struct {
	ID          string
	Level       ToastLevel
	Title       string
	Description string
	Dismiss     bool
}

// Notifier receives progress from a send. Methods other than ChooseRemedy
// must not block.
type Notifier interface {
	Phase(threadID string, phase Phase)
	Update(u Update)
	Progress(p PromptProgress)
	Toast(t Toast)
	// ChooseRemedy asks how to recover from a context window overflow.
	ChooseRemedy(ctx context.Context, threadID string, cause error) (Remedy, error)
}

// NopNotifier discards notifications and declines every remedy.
type NopNotifier struct{}

func (NopNotifier) Phase(string, Phase)     {}
func (NopNotifier) Update(Update)           {}
func (NopNotifier) Progress(PromptProgress) {}
func (NopNotifier) Toast(Toast)             {}

func (NopNotifier) ChooseRemedy(context.Context, string, error) (Remedy, error) {
	return RemedyDecline, nil
}
