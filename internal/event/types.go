package event

// SessionData is the data for session.* events.
type SessionData struct {
	ID          string `json:"id"`
	Window      int    `json:"window"`
	Config      string `json:"config"`
	State       string `json:"state"`
	ProjectPath string `json:"projectPath,omitempty"`
}

// WindowUnloadedData is the data for window.unloaded events. It is published
// when the last session of a window has been removed.
type WindowUnloadedData struct {
	Window int `json:"window"`
}

// ConfigChangedData is the data for config.changed events.
type ConfigChangedData struct {
	Path string `json:"path"`
}
