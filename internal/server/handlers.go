package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"mailhub/internal/auth"
	"mailhub/internal/models"
	"mailhub/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError passes the store's message text through verbatim; the
// client decides how to surface it.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// ===== Auth =====

type signupReq struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupReq
	if !decodeBody(w, r, &req) {
		return
	}

	if _, err := s.store.ProfileByEmail(r.Context(), req.Email); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "email already registered"})
		return
	}

	profile, err := s.store.GetOrCreateProfile(r.Context(), uuid.NewString(), req.Name, req.Email)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}

	token, err := s.tokens.Issue(auth.Identity{UserID: profile.ID, Email: profile.Email})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"token": token, "profile": profile})
}

type loginReq struct {
	Email string `json:"email"`
}

// handleLogin resolves an email to its profile and issues a session
// token. Password verification sits with the LAN's auth front, the same
// way the original delegated it to its hosted provider.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if !decodeBody(w, r, &req) {
		return
	}

	profile, err := s.store.ProfileByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}

	admin, err := s.store.IsAdmin(r.Context(), profile.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	token, err := s.tokens.Issue(auth.Identity{UserID: profile.ID, Email: profile.Email, Admin: admin})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"token": token, "profile": profile, "admin": admin})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	s.dropSession(sess.identity.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// ===== Mailbox =====

func (s *Server) handleMailbox(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFromContext(r).mailbox.Snapshot())
}

func (s *Server) handleRefetch(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	sess.mailbox.Refetch(r.Context())
	writeJSON(w, http.StatusOK, sess.mailbox.Snapshot())
}

type messageReq struct {
	ReceiverID string `json:"receiver_id"`
	Subject    string `json:"subject"`
	Content    string `json:"content"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req messageReq
	if !decodeBody(w, r, &req) {
		return
	}
	sess := sessionFromContext(r)
	s.finishMailboxOp(w, sess, sess.mailbox.Send(r.Context(), req.ReceiverID, req.Subject, req.Content))
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	var req messageReq
	if !decodeBody(w, r, &req) {
		return
	}
	sess := sessionFromContext(r)
	s.finishMailboxOp(w, sess, sess.mailbox.SaveDraft(r.Context(), req.ReceiverID, req.Subject, req.Content))
}

func (s *Server) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	var req messageReq
	if !decodeBody(w, r, &req) {
		return
	}
	sess := sessionFromContext(r)
	id := mux.Vars(r)["id"]
	s.finishMailboxOp(w, sess, sess.mailbox.UpdateDraft(r.Context(), id, req.ReceiverID, req.Subject, req.Content))
}

func (s *Server) handleSendDraft(w http.ResponseWriter, r *http.Request) {
	var req messageReq
	if !decodeBody(w, r, &req) {
		return
	}
	sess := sessionFromContext(r)
	id := mux.Vars(r)["id"]
	s.finishMailboxOp(w, sess, sess.mailbox.SendDraft(r.Context(), id, req.ReceiverID, req.Subject, req.Content))
}

func (s *Server) handleMarkSeen(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	s.finishMailboxOp(w, sess, sess.mailbox.MarkSeen(r.Context(), mux.Vars(r)["id"]))
}

type starReq struct {
	Starred bool `json:"starred"`
}

func (s *Server) handleToggleStarred(w http.ResponseWriter, r *http.Request) {
	var req starReq
	if !decodeBody(w, r, &req) {
		return
	}
	sess := sessionFromContext(r)
	s.finishMailboxOp(w, sess, sess.mailbox.ToggleStarred(r.Context(), mux.Vars(r)["id"], req.Starred))
}

func (s *Server) handleMoveToTrash(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	s.finishMailboxOp(w, sess, sess.mailbox.MoveToTrash(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	s.finishMailboxOp(w, sess, sess.mailbox.RestoreFromTrash(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	s.finishMailboxOp(w, sess, sess.mailbox.PermanentlyDelete(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) finishMailboxOp(w http.ResponseWriter, sess *session, err error) {
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess.mailbox.Snapshot())
}

// ===== Roster =====

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	if !sess.identity.Admin {
		writeError(w, http.StatusForbidden, errors.New("admin role required"))
		return
	}
	writeJSON(w, http.StatusOK, sess.roster.Snapshot())
}

type statusReq struct {
	Status models.UserStatus `json:"status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if !decodeBody(w, r, &req) {
		return
	}
	sess := sessionFromContext(r)
	s.finishRosterOp(w, sess, sess.roster.SetStatus(r.Context(), mux.Vars(r)["id"], req.Status))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	id := mux.Vars(r)["id"]

	if err := sess.roster.DeleteUser(r.Context(), id); err != nil {
		writeError(w, errStatus(err), err)
		return
	}

	// The deleted user's live session must not keep refetching a
	// discarded identity.
	s.dropSession(id)
	writeJSON(w, http.StatusOK, sess.roster.Snapshot())
}

func (s *Server) finishRosterOp(w http.ResponseWriter, sess *session, err error) {
	if err != nil {
		status := errStatus(err)
		if errors.Is(err, store.ErrAuthRequired) {
			status = http.StatusForbidden
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.roster.Snapshot())
}

// ===== Profile =====

type profileReq struct {
	Name string `json:"name"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileReq
	if !decodeBody(w, r, &req) {
		return
	}
	sess := sessionFromContext(r)

	err := s.store.Update(r.Context(), store.TableProfiles, sess.identity.UserID, store.Row{
		"name": req.Name,
	})
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}

	profile, err := s.store.ProfileByID(r.Context(), sess.identity.UserID)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

const maxAvatarBytes = 5 << 20

func (s *Server) handleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	if s.s3 == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("avatar storage is disabled"))
		return
	}
	sess := sessionFromContext(r)

	data, err := io.ReadAll(io.LimitReader(r.Body, maxAvatarBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(data) > maxAvatarBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("avatar exceeds 5 MiB"))
		return
	}

	url, err := s.s3.PutAvatar(r.Context(), sess.identity.UserID, data, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.store.Update(r.Context(), store.TableProfiles, sess.identity.UserID, store.Row{
		"profile_image": url,
	})
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"profile_image": url})
}
