/*
handlers.go - HTTP API handlers for the VM booking pool

PURPOSE:
  Exposes the booking gateway via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Pool:
    GET    /vms                    Full pool state (VMs + groups)
    POST   /book                   Book a free VM
    POST   /renew                  Extend own booking
    POST   /cancel                 Release a booking
    POST   /queue/join             Join a VM's wait queue
    POST   /queue/leave            Leave a VM's wait queue

  Identity:
    POST   /auth                   Log in (sets user_email cookie)
    POST   /logout                 Log out
    GET    /me                     Current user + booking history

  Admin:
    POST   /add-vm                 Register a VM
    POST   /edit-vm                Edit a VM's group/addresses
    POST   /delete-vm              Remove a VM
    POST   /remove-vm-from-group   Detach a VM from its group
    GET    /groups                 List groups
    POST   /groups                 Create a group
    POST   /groups/{id}/add-existing-vms  Add VMs to a group
    POST   /delete-group           Delete a group

REQUEST FLOW:
  1. Resolve identity from the cookie
  2. Decode and minimally shape the body
  3. Call the gateway (the single serialization point)
  4. Map domain errors to HTTP status
  5. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Missing identity cookie
  - 403: Not the booking holder / not an admin
  - 404: Unknown VM, group or booking
  - 409: Already booked, duplicate, queue full
  - 503: Persistence failure (the mutation was rolled back)

SEE ALSO:
  - dto.go: Request/response data structures
  - identity.go: Cookie identity
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zachbabanov/loadzone/metrics"
	"github.com/zachbabanov/loadzone/pool"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Gateway  *pool.Gateway
	Identity Identity
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

// NewHandler creates a handler around the gateway.
func NewHandler(gw *pool.Gateway, m *metrics.Metrics) *Handler {
	return &Handler{
		Gateway:  gw,
		Identity: &CookieIdentity{},
		Metrics:  m,
	}
}

// observe records the outcome of one operation, when metrics are on.
func (h *Handler) observe(action string, err error) {
	if h.Metrics != nil {
		h.Metrics.ObserveOperation(action, err)
	}
}

// requireUser resolves the caller or writes 401.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	email := h.Identity.Current(r)
	if email == "" {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return "", false
	}
	return email, true
}

// requireAdmin resolves the caller and checks admin membership.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	email, ok := h.requireUser(w, r)
	if !ok {
		return "", false
	}
	if !h.Gateway.IsAdmin(email) {
		writeError(w, http.StatusForbidden, "Admin access required", nil)
		return "", false
	}
	return email, true
}

// =============================================================================
// POOL HANDLERS
// =============================================================================

// GetState returns every VM and group.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	resources, groups := h.Gateway.State()

	state := StateDTO{
		VMs:    make([]VMDTO, len(resources)),
		Groups: make([]GroupDTO, len(groups)),
	}
	for i, res := range resources {
		state.VMs[i] = toVMDTO(res)
	}
	for i, grp := range groups {
		state.Groups[i] = toGroupDTO(grp)
	}

	writeJSON(w, http.StatusOK, state)
}

// Book books a free VM for the caller.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	email, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req BookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Gateway.BookResource(r.Context(), req.VMID, email, req.Hours)
	h.observe("book", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVMDTO(res))
}

// Renew extends the caller's booking.
func (h *Handler) Renew(w http.ResponseWriter, r *http.Request) {
	email, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req BookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Gateway.RenewResource(r.Context(), req.VMID, email, req.Hours)
	h.observe("renew", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVMDTO(res))
}

// Cancel releases a booking. Admins may release anybody's.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	email, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Gateway.CancelResource(r.Context(), req.VMID, email)
	h.observe("cancel", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVMDTO(res))
}

// JoinQueue puts the caller in a VM's wait queue.
func (h *Handler) JoinQueue(w http.ResponseWriter, r *http.Request) {
	email, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req QueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	pos, already, err := h.Gateway.JoinQueue(r.Context(), req.VMID, email)
	h.observe("queue_join", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QueueDTO{VMID: req.VMID, Position: pos, Already: already})
}

// LeaveQueue removes the caller from a VM's wait queue.
func (h *Handler) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	email, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req QueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Gateway.LeaveQueue(r.Context(), req.VMID, email)
	h.observe("queue_leave", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// IDENTITY HANDLERS
// =============================================================================

// Auth logs the caller in by email.
func (h *Handler) Auth(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, "A valid email is required", nil)
		return
	}

	if err := h.Gateway.RecordLogin(r.Context(), email); err != nil {
		writeDomainError(w, err)
		return
	}
	h.Identity.Login(w, email)
	writeJSON(w, http.StatusOK, MeDTO{
		Authenticated: true,
		Email:         email,
		Admin:         h.Gateway.IsAdmin(email),
		Bookings:      toHistoryDTOs(h.Gateway.History(email)),
	})
}

// Logout clears the identity cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.Identity.Logout(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the caller's identity and booking history.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	email := h.Identity.Current(r)
	if email == "" {
		writeJSON(w, http.StatusOK, MeDTO{Bookings: []HistoryEntryDTO{}})
		return
	}
	writeJSON(w, http.StatusOK, MeDTO{
		Authenticated: true,
		Email:         email,
		Admin:         h.Gateway.IsAdmin(email),
		Bookings:      toHistoryDTOs(h.Gateway.History(email)),
	})
}

// =============================================================================
// ADMIN HANDLERS - VMs
// =============================================================================

// AddVM registers a new VM in the pool.
func (h *Handler) AddVM(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	var req AddVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Gateway.AddResource(r.Context(), pool.AddResourceInput{
		ID:         req.ID,
		GroupID:    req.Group,
		ExternalIP: req.ExternalIP,
		InternalIP: req.InternalIP,
	})
	h.observe("vm_added", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVMDTO(res))
}

// EditVM updates a VM's group membership and addresses.
func (h *Handler) EditVM(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	var req EditVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := pool.UpdateResourceInput{ID: req.ID}
	if len(req.Group) > 0 {
		in.GroupSet = true
		if string(req.Group) != "null" {
			var gid int64
			if err := json.Unmarshal(req.Group, &gid); err != nil {
				writeError(w, http.StatusBadRequest, "group must be an integer or null", err)
				return
			}
			in.GroupID = &gid
		}
	}
	if req.ExternalIP != nil {
		in.ExternalIPSet = true
		in.ExternalIP = *req.ExternalIP
	}
	if req.InternalIP != nil {
		in.InternalIPSet = true
		in.InternalIP = *req.InternalIP
	}

	res, err := h.Gateway.UpdateResource(r.Context(), in)
	h.observe("vm_edited", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVMDTO(res))
}

// DeleteVM removes a VM from the pool.
func (h *Handler) DeleteVM(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	var req DeleteVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Gateway.DeleteResource(r.Context(), req.ID)
	h.observe("vm_deleted", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveVMFromGroup detaches a VM from a group.
func (h *Handler) RemoveVMFromGroup(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	var req RemoveFromGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Gateway.RemoveFromGroup(r.Context(), req.VMID, req.GroupID)
	h.observe("vm_ungrouped", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN HANDLERS - GROUPS
// =============================================================================

// ListGroups returns all groups.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	_, groups := h.Gateway.State()
	dtos := make([]GroupDTO, len(groups))
	for i, grp := range groups {
		dtos[i] = toGroupDTO(grp)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateGroup creates a named group, optionally with initial VMs.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	grp, err := h.Gateway.CreateGroup(r.Context(), req.Name, req.VMIDs)
	h.observe("group_created", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGroupDTO(grp))
}

// AddVMsToGroup adds existing VMs to a group.
func (h *Handler) AddVMsToGroup(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	groupID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid group id", err)
		return
	}
	var req AddToGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	added, grp, err := h.Gateway.AddToGroup(r.Context(), groupID, req.VMIDs)
	h.observe("group_vms_added", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Added []string `json:"added"`
		Group GroupDTO `json:"group"`
	}{Added: added, Group: toGroupDTO(grp)})
}

// DeleteGroup removes a group, detaching its VMs.
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	var req DeleteGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Gateway.DeleteGroup(r.Context(), req.ID)
	h.observe("group_deleted", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// INFRA HANDLERS
// =============================================================================

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"booked": h.Gateway.BookedCount(),
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps pool errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case pool.IsValidation(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case pool.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case pool.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	case pool.IsAuthorization(err):
		writeError(w, http.StatusForbidden, "Not allowed", err)
	case pool.IsIO(err):
		writeError(w, http.StatusServiceUnavailable, "Storage unavailable, please retry", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
