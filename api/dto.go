/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. The field names
  follow the wire format of the original booking tool so its web UI
  keeps working unmodified: a VM is {id, group, booked_by, expires_at,
  queue, external_ip, internal_ip} and history entries expose
  {vm_id, start, end, action}.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation lives in the pool package, not here. DTOs are pure data
  carriers; handlers only translate between HTTP and pool types.

SEE ALSO:
  - handlers.go: Uses these types
  - pool/types.go: The domain model these project
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/zachbabanov/loadzone/pool"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// VMDTO represents one pool resource in API responses.
type VMDTO struct {
	ID         string   `json:"id"`
	Group      *int64   `json:"group"`
	BookedBy   string   `json:"booked_by,omitempty"`
	ExpiresAt  string   `json:"expires_at,omitempty"`
	Queue      []string `json:"queue"`
	ExternalIP string   `json:"external_ip,omitempty"`
	InternalIP string   `json:"internal_ip,omitempty"`
}

// GroupDTO represents a named VM group.
type GroupDTO struct {
	ID    int64    `json:"id"`
	Name  string   `json:"name"`
	VMIDs []string `json:"vm_ids"`
}

// StateDTO is the full pool view returned by GET /vms.
type StateDTO struct {
	VMs    []VMDTO    `json:"vms"`
	Groups []GroupDTO `json:"groups"`
}

// HistoryEntryDTO is one booking-history record.
type HistoryEntryDTO struct {
	VMID   string  `json:"vm_id"`
	Start  string  `json:"start"`
	End    *string `json:"end"`
	Action string  `json:"action"`
}

// MeDTO answers "who am I and what have I done".
type MeDTO struct {
	Authenticated bool              `json:"authenticated"`
	Email         string            `json:"email,omitempty"`
	Admin         bool              `json:"admin,omitempty"`
	Bookings      []HistoryEntryDTO `json:"bookings"`
}

// QueueDTO reports the caller's position after joining a queue.
type QueueDTO struct {
	VMID     string `json:"vm_id"`
	Position int    `json:"position"`
	Already  bool   `json:"already_queued,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// BookRequest books or renews a VM.
type BookRequest struct {
	VMID  string `json:"vm_id"`
	Hours int    `json:"hours"`
}

// CancelRequest releases a booking.
type CancelRequest struct {
	VMID string `json:"vm_id"`
}

// QueueRequest joins or leaves a VM's wait queue.
type QueueRequest struct {
	VMID string `json:"vm_id"`
}

// AuthRequest logs a user in.
type AuthRequest struct {
	Email string `json:"email"`
}

// AddVMRequest registers a VM in the pool.
type AddVMRequest struct {
	ID         string `json:"id"`
	Group      *int64 `json:"group"`
	ExternalIP string `json:"external_ip"`
	InternalIP string `json:"internal_ip"`
}

// EditVMRequest edits a VM. Group is raw so the handler can tell an
// absent field (leave alone) from an explicit null (detach).
type EditVMRequest struct {
	ID         string          `json:"id"`
	Group      json.RawMessage `json:"group"`
	ExternalIP *string         `json:"external_ip"`
	InternalIP *string         `json:"internal_ip"`
}

// DeleteVMRequest removes a VM from the pool.
type DeleteVMRequest struct {
	ID string `json:"id"`
}

// RemoveFromGroupRequest detaches a VM from a group.
type RemoveFromGroupRequest struct {
	VMID    string `json:"vm_id"`
	GroupID *int64 `json:"group_id"`
}

// CreateGroupRequest creates a named group.
type CreateGroupRequest struct {
	Name  string   `json:"name"`
	VMIDs []string `json:"vm_ids"`
}

// AddToGroupRequest adds existing VMs to a group.
type AddToGroupRequest struct {
	VMIDs []string `json:"vm_ids"`
}

// DeleteGroupRequest deletes a group.
type DeleteGroupRequest struct {
	ID int64 `json:"id"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toVMDTO(r *pool.Resource) VMDTO {
	dto := VMDTO{
		ID:         r.ID,
		Group:      r.GroupID,
		Queue:      r.Queue,
		ExternalIP: r.ExternalIP,
		InternalIP: r.InternalIP,
	}
	if dto.Queue == nil {
		dto.Queue = []string{}
	}
	if r.Booking != nil {
		dto.BookedBy = r.Booking.Holder
		dto.ExpiresAt = r.Booking.Expiry.Format(time.RFC3339)
	}
	return dto
}

func toGroupDTO(g *pool.Group) GroupDTO {
	dto := GroupDTO{ID: g.ID, Name: g.Name, VMIDs: g.VMIDs}
	if dto.VMIDs == nil {
		dto.VMIDs = []string{}
	}
	return dto
}

func toHistoryDTOs(records []pool.HistoryRecord) []HistoryEntryDTO {
	dtos := make([]HistoryEntryDTO, len(records))
	for i, rec := range records {
		dtos[i] = HistoryEntryDTO{
			VMID:   rec.ResourceID,
			Start:  rec.Start.Format(time.RFC3339),
			Action: string(rec.Action),
		}
		if rec.End != nil {
			end := rec.End.Format(time.RFC3339)
			dtos[i].End = &end
		}
	}
	return dtos
}
