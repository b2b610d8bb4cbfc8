package protocol

import "time"

// Typed properties for the well-known component kinds. Senders marshal these
// into UIPayload.Props; receivers keep props as raw JSON.

type ProgressStyle string

const (
	ProgressBar     ProgressStyle = "bar"
	ProgressSpinner ProgressStyle = "spinner"
	ProgressDots    ProgressStyle = "dots"
)

type ProgressProps struct {
	Current        uint64        `json:"current"`
	Total          uint64        `json:"total"`
	Message        string        `json:"message"`
	ShowPercentage bool          `json:"show_percentage"`
	ShowETA        bool          `json:"show_eta"`
	Style          ProgressStyle `json:"style"`
}

type SelectionMode string

const (
	SelectNone     SelectionMode = "none"
	SelectSingle   SelectionMode = "single"
	SelectMultiple SelectionMode = "multiple"
)

type TableHeader struct {
	Text  string `json:"text"`
	Width string `json:"width"`
}

type TableRow struct {
	ID      string   `json:"id"`
	Cells   []string `json:"cells"`
	Actions []string `json:"actions"`
	Status  string   `json:"status,omitempty"`
}

type TableProps struct {
	Headers    []TableHeader `json:"headers"`
	Rows       []TableRow    `json:"rows"`
	Sortable   bool          `json:"sortable"`
	Filterable bool          `json:"filterable"`
	Selectable SelectionMode `json:"selectable"`
}

type FileEntry struct {
	Path     string      `json:"path"`
	Type     string      `json:"type"`
	Size     *uint64     `json:"size,omitempty"`
	Modified *time.Time  `json:"modified,omitempty"`
	Status   string      `json:"status,omitempty"`
	Actions  []string    `json:"actions"`
	Children []FileEntry `json:"children,omitempty"`
	Expanded bool        `json:"expanded"`
}

type FileTreeProps struct {
	Root       string      `json:"root"`
	Entries    []FileEntry `json:"entries"`
	ShowHidden bool        `json:"show_hidden"`
	Icons      bool        `json:"icons"`
}

type FormOption struct {
	Value   string `json:"value"`
	Label   string `json:"label"`
	Checked bool   `json:"checked"`
}

type FormField struct {
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	Label        string       `json:"label"`
	Required     bool         `json:"required"`
	Placeholder  string       `json:"placeholder,omitempty"`
	DefaultValue string       `json:"default_value,omitempty"`
	Options      []FormOption `json:"options,omitempty"`
}

type FormAction struct {
	Label  string `json:"label"`
	Action string `json:"action"`
	Style  string `json:"style"`
}

type FormProps struct {
	Title   string       `json:"title"`
	Fields  []FormField  `json:"fields"`
	Actions []FormAction `json:"actions"`
}

type StatusCard struct {
	Title            string   `json:"title"`
	Status           string   `json:"status"`
	PrimaryMetric    string   `json:"primary_metric"`
	SecondaryMetrics []string `json:"secondary_metrics"`
	Actions          []string `json:"actions"`
}

type StatusGridProps struct {
	Cards []StatusCard `json:"cards"`
}

// LogLine is the stream payload appended to a log_stream component.
type LogLine struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLogLine stamps a log_line stream record with the current UTC time.
func NewLogLine(level, content string) LogLine {
	return LogLine{Type: "log_line", Content: content, Level: level, Timestamp: time.Now().UTC()}
}
