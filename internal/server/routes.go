package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route, progress subscriptions per tenant
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Batches and uploads
	mux.HandleFunc("/api/process", s.app.ProcessHandler.ProcessHandler)
	mux.HandleFunc("/api/process/status", s.app.ProcessHandler.StatusHandler)
	mux.HandleFunc("/api/batches", s.app.BatchHandler.ListHandler)
	mux.HandleFunc("/api/batches/", s.app.BatchHandler.GetHandler)
	mux.HandleFunc("/api/files", s.handleFilesRoute)
	mux.HandleFunc("/api/files/", s.app.FileHandler.DeleteHandler)
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/scheduler/jobs", s.app.SchedulerHandler.JobsHandler)
	mux.HandleFunc("/api/scheduler/cleanup", s.app.SchedulerHandler.TriggerCleanupHandler)

	// API routes - Messaging sessions
	mux.HandleFunc("/api/messaging/initialize", s.app.MessagingHandler.InitializeHandler)
	mux.HandleFunc("/api/messaging/status", s.app.MessagingHandler.StatusHandler)
	mux.HandleFunc("/api/messaging/qrcode", s.app.MessagingHandler.QRCodeHandler)
	mux.HandleFunc("/api/messaging/logout", s.app.MessagingHandler.LogoutHandler)
	mux.HandleFunc("/api/messaging/reachable", s.app.MessagingHandler.ReachableHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleFilesRoute routes GET to the listing and POST to the upload
func (s *Server) handleFilesRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.FileHandler.ListHandler, s.app.FileHandler.UploadHandler)
}
