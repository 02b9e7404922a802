package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Reference tool handlers for a hotel reservation agent, supplementing the
// abstract "book a room" scenario with the concrete business logic a real
// deployment would register. These back an in-memory ticket store and are
// meant for demos and tests — production deployments register their own
// handlers against a real reservation/inventory service.

// RoomInventoryArgs is the argument shape for query_room_inventory.
type RoomInventoryArgs struct {
	CheckIn  string `json:"check_in"`
	CheckOut string `json:"check_out"`
	Guests   int    `json:"guests"`
}

// RoomOption describes one available room type in a query_room_inventory result.
type RoomOption struct {
	RoomType     string  `json:"room_type"`
	RatePerNight float64 `json:"rate_per_night"`
	MaxGuests    int     `json:"max_guests"`
}

// CreateTicketArgs is the argument shape for create_reservation_ticket.
type CreateTicketArgs struct {
	GuestName       string `json:"guest_name"`
	PhoneNumber     string `json:"phone_number"`
	CheckIn         string `json:"check_in"`
	CheckOut        string `json:"check_out"`
	RoomType        string `json:"room_type"`
	Guests          int    `json:"guests"`
	SpecialRequests string `json:"special_requests,omitempty"`
}

// TicketStatusArgs is the argument shape for check_ticket_status.
type TicketStatusArgs struct {
	TicketID string `json:"ticket_id"`
}

// ReservationDesk is an in-memory stand-in for the out-of-scope reservation
// database named in spec §1 ("referenced only by interface"). It exists
// only to give the reference tool handlers below somewhere to keep state.
type ReservationDesk struct {
	counter uint64
	tickets map[string]CreateTicketArgs
}

// NewReservationDesk returns an empty desk.
func NewReservationDesk() *ReservationDesk {
	return &ReservationDesk{tickets: make(map[string]CreateTicketArgs)}
}

var roomCatalog = map[string]RoomOption{
	"standard": {RoomType: "standard", RatePerNight: 129.00, MaxGuests: 2},
	"deluxe":   {RoomType: "deluxe", RatePerNight: 189.00, MaxGuests: 3},
	"suite":    {RoomType: "suite", RatePerNight: 299.00, MaxGuests: 4},
}

func (d *ReservationDesk) queryRoomInventory(_ context.Context, args json.RawMessage) (interface{}, error) {
	var a RoomInventoryArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if a.Guests < 1 || a.Guests > 4 {
		return nil, fmt.Errorf("guests must be between 1 and 4")
	}

	available := make([]RoomOption, 0, len(roomCatalog))
	for _, r := range roomCatalog {
		if r.MaxGuests >= a.Guests {
			available = append(available, r)
		}
	}
	return map[string]interface{}{
		"check_in":  a.CheckIn,
		"check_out": a.CheckOut,
		"rooms":     available,
	}, nil
}

func (d *ReservationDesk) createReservationTicket(_ context.Context, args json.RawMessage) (interface{}, error) {
	var a CreateTicketArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if a.GuestName == "" || a.PhoneNumber == "" {
		return nil, fmt.Errorf("guest_name and phone_number are required")
	}
	if _, ok := roomCatalog[a.RoomType]; !ok {
		return nil, fmt.Errorf("unknown room_type %q", a.RoomType)
	}

	n := atomic.AddUint64(&d.counter, 1)
	ticketID := fmt.Sprintf("LOTUS-%04d", n)
	d.tickets[ticketID] = a

	return map[string]string{
		"ticket_id": ticketID,
		"status":    "pending",
	}, nil
}

func (d *ReservationDesk) checkTicketStatus(_ context.Context, args json.RawMessage) (interface{}, error) {
	var a TicketStatusArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if _, ok := d.tickets[a.TicketID]; !ok {
		return nil, fmt.Errorf("no ticket found with id %q", a.TicketID)
	}
	return map[string]string{
		"ticket_id": a.TicketID,
		"status":    "pending",
	}, nil
}

var roomInventorySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"check_in": {"type": "string", "description": "Check-in date, YYYY-MM-DD"},
		"check_out": {"type": "string", "description": "Check-out date, YYYY-MM-DD"},
		"guests": {"type": "integer", "minimum": 1, "maximum": 4}
	},
	"required": ["check_in", "check_out", "guests"]
}`)

var createTicketSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"guest_name": {"type": "string"},
		"phone_number": {"type": "string"},
		"check_in": {"type": "string", "description": "YYYY-MM-DD"},
		"check_out": {"type": "string", "description": "YYYY-MM-DD"},
		"room_type": {"type": "string", "enum": ["standard", "deluxe", "suite"]},
		"guests": {"type": "integer"},
		"special_requests": {"type": "string"}
	},
	"required": ["guest_name", "phone_number", "check_in", "check_out", "room_type", "guests"]
}`)

var ticketStatusSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"ticket_id": {"type": "string", "description": "e.g. LOTUS-0001"}
	},
	"required": ["ticket_id"]
}`)

// RegisterReservationTools wires the reference hotel-reservation tools into
// registry, backed by a fresh in-memory desk.
func RegisterReservationTools(registry *ToolRegistry) *ReservationDesk {
	desk := NewReservationDesk()
	registry.Register("query_room_inventory",
		"Check room availability for given dates. Returns available room types with rates. Use this when guests ask about availability or pricing.",
		roomInventorySchema, desk.queryRoomInventory)
	registry.Register("create_reservation_ticket",
		"Create a reservation ticket for human staff review. Use this ONLY when the guest explicitly wants to book a room and has provided all required information.",
		createTicketSchema, desk.createReservationTicket)
	registry.Register("check_ticket_status",
		"Check the status of an existing reservation ticket by ID.",
		ticketStatusSchema, desk.checkTicketStatus)
	return desk
}
