// Package statusserver is an optional local HTTP surface that reports
// in-flight pull progress, per SPEC_FULL.md §10.4. It is never required
// by the pull path; the engine imports only its Status type, and this
// package never imports the engine.
package statusserver

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/html/v2"

	"vmpuller/pkg/utils"
)

// Status is a point-in-time snapshot of a pull's progress.
type Status struct {
	Image           string `json:"image"`
	BytesDownloaded int64  `json:"bytesDownloaded"`
	TotalBytes      int64  `json:"totalBytes"`
	Phase           string `json:"phase"`
}

// ProgressProvider is satisfied by anything that can report the current
// pull's status; the engine's progress tracker implements this
// structurally without statusserver importing the engine package.
type ProgressProvider interface {
	Snapshot() Status
}

// Server wraps a small fiber app exposing /status (JSON) and / (HTML).
type Server struct {
	app      *fiber.App
	provider ProgressProvider
	log      *utils.Logger
}

// New builds a Server reporting provider's snapshots. viewsDir holds the
// "status.html" template rendered at "/".
func New(provider ProgressProvider, viewsDir string, log *utils.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:       "vmpuller status",
		CaseSensitive: true,
		StrictRouting: true,
		ServerHeader:  "vmpuller",
		Views:         html.New(viewsDir, ".html"),
	})

	s := &Server{app: app, provider: provider, log: log}

	app.Get("/status", s.handleStatus)
	app.Get("/", s.handleHome)

	return s
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.provider.Snapshot())
}

func (s *Server) handleHome(c *fiber.Ctx) error {
	status := s.provider.Snapshot()
	return c.Render("status", fiber.Map{
		"Image":           status.Image,
		"Phase":           status.Phase,
		"BytesDownloaded": status.BytesDownloaded,
		"TotalBytes":      status.TotalBytes,
	})
}

// Listen starts the HTTP server on addr, blocking until it stops.
func (s *Server) Listen(addr string) error {
	s.log.WithFunc().WithField("addr", addr).Info("status server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
