package domain

import "time"

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusConfirmed  OrderStatus = "confirmed"
	StatusPreparing  OrderStatus = "preparing"
	StatusReady      OrderStatus = "ready"
	StatusDelivering OrderStatus = "delivering"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []OrderStatus{
	StatusPending,
	StatusConfirmed,
	StatusPreparing,
	StatusReady,
	StatusDelivering,
	StatusCompleted,
	StatusCancelled,
}

func (s OrderStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s OrderStatus) Valid() bool {
	for _, st := range Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// String representation (for logging)
func (s OrderStatus) String() string {
	return string(s)
}

type OrderItem struct {
	ProductID   string  `json:"product_id"`
	VariantID   string  `json:"variant_id,omitempty"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// HistoryEntry is one immutable status change of an order.
type HistoryEntry struct {
	ActorName      string      `json:"actor_name"`
	PreviousStatus OrderStatus `json:"previous_status"`
	NewStatus      OrderStatus `json:"new_status"`
	ChangedAt      time.Time   `json:"changed_at"`
	Comment        string      `json:"comment,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}

type Order struct {
	ID              string         `json:"id"`
	OrderNumber     string         `json:"order_number"`
	Status          OrderStatus    `json:"status"`
	InitialStatus   OrderStatus    `json:"initial_status,omitempty"`
	TotalAmount     float64        `json:"total_amount"`
	DeliveryCost    float64        `json:"delivery_cost"`
	DeliveryAddress string         `json:"delivery_address,omitempty"`
	Phone           string         `json:"phone,omitempty"`
	Comment         string         `json:"comment,omitempty"`
	Items           []OrderItem    `json:"items"`
	History         []HistoryEntry `json:"history,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// StartStatus is the status the history chain starts from.
func (o Order) StartStatus() OrderStatus {
	if o.InitialStatus != "" {
		return o.InitialStatus
	}
	return StatusPending
}
