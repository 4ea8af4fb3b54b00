package api

// Config holds API server settings.
type Config struct {
	ListenAddr string
}
