package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/skip2/go-qrcode"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	imageFileName = "image.png"
	imageCaption  = "Image from website"
)

// SendRequest is built from one form submission
type SendRequest struct {
	Number    string
	Message   string
	ChatID    string
	ImageName string
}

// Validator can reject a send before it reaches WhatsApp. The default accepts everything.
type Validator func(req SendRequest) error

// SendResponse is the JSON body returned by POST /send
type SendResponse struct {
	Success bool     `json:"success"`
	Logs    []string `json:"logs"`
}

// StatusReporter exposes session state for /status and /qr
type StatusReporter interface {
	State() AuthState
	HasSession() bool
	PendingQR() string
}

type Server struct {
	messenger    Messenger
	status       StatusReporter
	uploads      *UploadStore
	validate     Validator
	uploadMemory int64
	log          waLog.Logger
	started      time.Time
}

func NewServer(messenger Messenger, status StatusReporter, uploads *UploadStore, uploadMemory int64, logger waLog.Logger) *Server {
	if logger == nil {
		logger = waLog.Noop
	}
	return &Server{
		messenger:    messenger,
		status:       status,
		uploads:      uploads,
		validate:     func(SendRequest) error { return nil },
		uploadMemory: uploadMemory,
		log:          logger,
		started:      time.Now(),
	}
}

// WithValidator installs a stricter check on outgoing sends
func (s *Server) WithValidator(v Validator) *Server {
	if v != nil {
		s.validate = v
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID)
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/qr", s.handleQR).Methods(http.MethodGet)
	return r
}

type requestIDKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
	<title>WhatsApp Sender</title>
	<meta name="viewport" content="width=device-width, initial-scale=1">
	<style>
		body { font-family: Arial, sans-serif; padding: 20px; background: #f5f5f5; }
		.container { max-width: 600px; margin: 0 auto; background: white; padding: 30px; border-radius: 10px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); }
		label { display: block; margin-top: 15px; }
		input, textarea { width: 100%; padding: 8px; box-sizing: border-box; }
		pre { background: #f8f9fa; padding: 10px; white-space: pre-wrap; }
	</style>
</head>
<body>
	<div class="container">
		<h1>Send WhatsApp Message</h1>
		<p>Session: <strong>{{.State}}</strong></p>
		<form id="send-form" action="/send" method="post" enctype="multipart/form-data">
			<label for="number">Phone number</label>
			<input type="text" id="number" name="number" placeholder="15551234567" required>
			<label for="message">Message</label>
			<textarea id="message" name="message" rows="4" required></textarea>
			<label for="image">Image (optional)</label>
			<input type="file" id="image" name="image" accept="image/*">
			<p><button type="submit">Send</button></p>
		</form>
		<pre id="logs"></pre>
	</div>
	<script>
		document.getElementById('send-form').addEventListener('submit', async (e) => {
			e.preventDefault();
			const out = document.getElementById('logs');
			out.textContent = 'Sending...';
			const res = await fetch('/send', { method: 'POST', body: new FormData(e.target) });
			const body = await res.json();
			out.textContent = body.logs.join('\n');
		});
	</script>
</body>
</html>`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct{ State AuthState }{State: s.status.State()}
	if err := indexTemplate.Execute(w, data); err != nil {
		s.log.Errorf("[%s] Failed to render form: %v", requestIDFrom(r.Context()), err)
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r.Context())
	logs := []string{}

	if err := s.send(r, &logs); err != nil {
		s.log.Errorf("[%s] Error sending message: %v", reqID, err)
		logs = append(logs, fmt.Sprintf("Error sending message: %v", err))
		writeJSON(w, http.StatusInternalServerError, SendResponse{Success: false, Logs: logs})
		return
	}

	writeJSON(w, http.StatusOK, SendResponse{Success: true, Logs: logs})
}

func (s *Server) send(r *http.Request, logs *[]string) error {
	ctx := r.Context()
	reqID := requestIDFrom(ctx)

	if err := r.ParseMultipartForm(s.uploadMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return fmt.Errorf("invalid form: %w", err)
	}

	req := SendRequest{
		Number:  r.FormValue("number"),
		Message: r.FormValue("message"),
	}
	req.ChatID = ChatAddress(req.Number)

	if r.MultipartForm != nil {
		if files := r.MultipartForm.File["image"]; len(files) > 0 {
			name, err := s.uploads.Save(files[0])
			if err != nil {
				return err
			}
			req.ImageName = name
		}
	}

	if err := s.validate(req); err != nil {
		return err
	}

	s.log.Infof("[%s] Send request: %s -> %q", reqID, req.ChatID, req.Message)

	started, err := s.messenger.EnsureSession(ctx)
	if started || err != nil {
		*logs = append(*logs, "Starting WhatsApp session...")
	}
	if err != nil {
		return err
	}
	if started {
		*logs = append(*logs, "WhatsApp session started.")
	}

	textResult, err := s.messenger.SendText(ctx, req.ChatID, req.Message)
	if err != nil {
		return err
	}
	*logs = append(*logs, fmt.Sprintf("Message sent to %s: %s", req.Number, marshalReceipt(textResult)))

	if req.ImageName != "" {
		imageResult, err := s.messenger.SendImage(ctx, req.ChatID, s.uploads.Path(req.ImageName), imageFileName, imageCaption)
		if err != nil {
			return err
		}
		*logs = append(*logs, fmt.Sprintf("Image sent to %s: %s", req.Number, marshalReceipt(imageResult)))
	}

	s.log.Infof("[%s] Delivered to %s", reqID, req.ChatID)
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"auth_state":  s.status.State(),
		"has_session": s.status.HasSession(),
		"has_qr":      s.status.PendingQR() != "",
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"service":     "whatsapp-form-relay",
		"timestamp":   time.Now().Unix(),
	})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	code := s.status.PendingQR()
	if code == "" {
		http.Error(w, "No QR code pending", http.StatusNotFound)
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to generate QR code: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func marshalReceipt(r Receipt) string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("%+v", r)
	}
	return string(b)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
