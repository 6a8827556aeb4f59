package generation

// Event is one item of a session's event sequence. The concrete types are
// StatusEvent, ProgressEvent, ImageEvent and ErrorEvent.
type Event interface {
	isEvent()
	// Slot is the 1-based image slot the event belongs to.
	Slot() int
}

// StatusEvent announces that an image slot is starting.
type StatusEvent struct {
	Text  string
	Index int
	Total int
}

// ProgressEvent reports a changed percentage for the running job. Preview is
// nil when the backend sent no intermediate image.
type ProgressEvent struct {
	Text    string
	Percent int
	Stage   string
	Preview []byte
	Index   int
	Total   int
}

// ImageEvent carries one finished image. Prompt is the user's prompt as typed,
// without safety text.
type ImageEvent struct {
	Bytes  []byte
	Prompt string
	Model  string
	Seed   string
	Index  int
	Total  int
}

// ErrorEvent is the terminal event of a failed slot, or of a cancelled session.
type ErrorEvent struct {
	Message string
	Err     error
	Index   int
}

func (StatusEvent) isEvent()   {}
func (ProgressEvent) isEvent() {}
func (ImageEvent) isEvent()    {}
func (ErrorEvent) isEvent()    {}

func (e StatusEvent) Slot() int   { return e.Index }
func (e ProgressEvent) Slot() int { return e.Index }
func (e ImageEvent) Slot() int    { return e.Index }
func (e ErrorEvent) Slot() int    { return e.Index }

// Kind names the event type for logs and wire encodings.
func Kind(e Event) string {
	switch e.(type) {
	case StatusEvent:
		return "status"
	case ProgressEvent:
		return "progress"
	case ImageEvent:
		return "image"
	case ErrorEvent:
		return "error"
	default:
		return "unknown"
	}
}
