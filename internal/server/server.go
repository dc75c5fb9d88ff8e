// Package server exposes the sync engines to the single-page client:
// a JSON API for snapshots and mutations, and a websocket feed that
// relays store change events so remote clients know to refetch.
package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"mailhub/internal/auth"
	"mailhub/internal/blobstorage"
	"mailhub/internal/db"
	"mailhub/internal/mailbox"
	"mailhub/internal/roster"
	"mailhub/internal/store"
)

type Server struct {
	store  *db.SQLiteStore
	tokens *auth.Tokens
	s3     *blobstorage.S3BlobStorage
	hub    *Hub

	// origin allow-list shared by the CORS layer and the ws handshake
	wsOrigins []string

	mu       sync.Mutex
	sessions map[string]*session
}

// session holds the per-identity engines, created on first authenticated
// request and torn down on logout.
type session struct {
	identity auth.Identity
	mailbox  *mailbox.Engine
	roster   *roster.Engine
}

// NewServer wires the API over the store. s3 may be nil when avatar
// storage is disabled.
func NewServer(st *db.SQLiteStore, tokens *auth.Tokens, s3 *blobstorage.S3BlobStorage) *Server {
	s := &Server{
		store:    st,
		tokens:   tokens,
		s3:       s3,
		hub:      NewHub(),
		sessions: make(map[string]*session),
	}

	// Bridge the store's change feed onto the websocket hub. Events
	// carry only the table name; clients refetch through the API.
	st.Subscribe(store.TableMessages, func() { s.hub.Broadcast(store.TableMessages) })
	st.Subscribe(store.TableProfiles, func() { s.hub.Broadcast(store.TableProfiles) })

	return s
}

// Handler builds the routed, CORS-wrapped HTTP handler.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	s.wsOrigins = allowedOrigins

	r := mux.NewRouter()

	r.HandleFunc("/api/signup", s.handleSignup).Methods(http.MethodPost)
	r.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireSession)
	api.HandleFunc("/session", s.handleLogout).Methods(http.MethodDelete)
	api.HandleFunc("/mailbox", s.handleMailbox).Methods(http.MethodGet)
	api.HandleFunc("/mailbox/refetch", s.handleRefetch).Methods(http.MethodPost)
	api.HandleFunc("/messages/send", s.handleSend).Methods(http.MethodPost)
	api.HandleFunc("/drafts", s.handleSaveDraft).Methods(http.MethodPost)
	api.HandleFunc("/drafts/{id}", s.handleUpdateDraft).Methods(http.MethodPut)
	api.HandleFunc("/drafts/{id}/send", s.handleSendDraft).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/seen", s.handleMarkSeen).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/star", s.handleToggleStarred).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/trash", s.handleMoveToTrash).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/restore", s.handleRestore).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/roster", s.handleRoster).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/status", s.handleSetStatus).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}", s.handleDeleteUser).Methods(http.MethodDelete)
	api.HandleFunc("/profile", s.handleUpdateProfile).Methods(http.MethodPut)
	api.HandleFunc("/profile/avatar", s.handleUploadAvatar).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.handleWS)

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// Close tears down every live session.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.mailbox.Close()
		sess.roster.Close()
		delete(s.sessions, id)
	}
}

type ctxKey int

const sessionKey ctxKey = 0

// requireSession verifies the bearer token and attaches the caller's
// session, creating the engines on first sight.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.identityFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		sess := s.sessionFor(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	})
}

func (s *Server) identityFromRequest(r *http.Request) (auth.Identity, error) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	return s.tokens.Verify(token)
}

func (s *Server) sessionFor(ctx context.Context, identity auth.Identity) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[identity.UserID]; ok {
		if sess.identity == identity {
			return sess
		}
		// claims changed since the session was built (e.g. admin granted
		// and the user logged in again); rebuild the engines
		sess.mailbox.Close()
		sess.roster.Close()
		delete(s.sessions, identity.UserID)
	}

	sess := &session{
		identity: identity,
		mailbox:  mailbox.New(s.store, identity.UserID),
		roster:   roster.New(s.store, func() bool { return identity.Admin }),
	}
	if err := sess.mailbox.Start(ctx); err != nil {
		log.Printf("server: mailbox engine start failed for %s: %v", identity.UserID, err)
	}
	sess.roster.Start(ctx)

	s.sessions[identity.UserID] = sess
	return sess
}

func (s *Server) dropSession(userID string) {
	s.mu.Lock()
	sess := s.sessions[userID]
	delete(s.sessions, userID)
	s.mu.Unlock()

	if sess != nil {
		sess.mailbox.Close()
		sess.roster.Close()
	}
}

func sessionFromContext(r *http.Request) *session {
	sess, _ := r.Context().Value(sessionKey).(*session)
	return sess
}
