package types

// Review is a customer product review. Reviews are created and deleted
// exclusively through workflow steps so every write has a known undo.
type Review struct {
	ID           string  `json:"id"`
	VariantSKU   string  `json:"variant_sku"`
	ProductID    string  `json:"product_id"`
	CustomerID   string  `json:"customer_id"`
	CustomerName string  `json:"customer_name"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	Rating       float64 `json:"rating"` // 1..5
	CreatedAt    int64   `json:"created_at"`
	UpdatedAt    int64   `json:"updated_at"`
}

// RelatedProduct is a directed co-purchase counter between two products.
type RelatedProduct struct {
	ID                  string `json:"id"`
	QueryProductID      string `json:"query_product_id"`
	CandidateProductID  string `json:"candidate_product_id"`
	CopurchaseFrequency int64  `json:"copurchase_frequency"` // >= 1
}

// Return states.
const (
	ReturnStatusOpen      = "open"
	ReturnStatusRequested = "requested"
	ReturnStatusCanceled  = "canceled"
)

// Order change states.
const (
	OrderChangeStatusPending   = "pending"
	OrderChangeStatusRequested = "requested"
	OrderChangeStatusConfirmed = "confirmed"
	OrderChangeStatusCanceled  = "canceled"
)

// Order change action types.
const (
	ActionReturnItem  = "RETURN_ITEM"
	ActionShippingAdd = "SHIPPING_ADD"
)

// Return is an order return request.
type Return struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	LocationID  string `json:"location_id"`
	Status      string `json:"status"`
	CanceledAt  int64  `json:"canceled_at,omitempty"`
	RequestedAt int64  `json:"requested_at,omitempty"`
}

// Order carries the subset of order state the return and notification
// workflows read.
type Order struct {
	ID         string      `json:"id"`
	Version    int         `json:"version"`
	Email      string      `json:"email,omitempty"`
	CanceledAt int64       `json:"canceled_at,omitempty"`
	Items      []OrderItem `json:"items"`
}

// OrderItem is a line item on an order.
type OrderItem struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	VariantTitle   string `json:"variant_title,omitempty"`
	VariantSKU     string `json:"variant_sku,omitempty"`
	VariantBarcode string `json:"variant_barcode,omitempty"`
	Quantity       int    `json:"quantity"`
}

// OrderChange is a pending modification to an order, composed of actions.
type OrderChange struct {
	ID          string              `json:"id"`
	OrderID     string              `json:"order_id"`
	ReturnID    string              `json:"return_id,omitempty"`
	Status      string              `json:"status"`
	ConfirmedBy string              `json:"confirmed_by,omitempty"`
	Actions     []OrderChangeAction `json:"actions"`
}

// OrderChangeAction is one pending action inside an order change.
type OrderChangeAction struct {
	ID          string                 `json:"id"`
	Action      string                 `json:"action"` // RETURN_ITEM, SHIPPING_ADD
	ReturnID    string                 `json:"return_id,omitempty"`
	ReferenceID string                 `json:"reference_id,omitempty"` // order item or shipping option
	Quantity    int                    `json:"quantity,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// OrderPreview is the projected order state after pending change actions.
type OrderPreview struct {
	Order   Order               `json:"order"`
	Actions []OrderChangeAction `json:"actions"`
}

// ReturnItem is a line item attached to a return request.
type ReturnItem struct {
	ID       string `json:"id"`
	ReturnID string `json:"return_id"`
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// ShippingOption describes a return shipping option and its stock location.
type ShippingOption struct {
	ID         string                 `json:"id"`
	ProviderID string                 `json:"provider_id"`
	LocationID string                 `json:"location_id"`
	Address    map[string]interface{} `json:"address,omitempty"`
}

// Fulfillment is a shipment record, inbound (return) or outbound.
type Fulfillment struct {
	ID               string                 `json:"id"`
	LocationID       string                 `json:"location_id"`
	ProviderID       string                 `json:"provider_id"`
	ShippingOptionID string                 `json:"shipping_option_id"`
	OrderID          string                 `json:"order_id,omitempty"`
	Items            []FulfillmentItem      `json:"items"`
	DeliveryAddress  map[string]interface{} `json:"delivery_address,omitempty"`
	CanceledAt       int64                  `json:"canceled_at,omitempty"`
}

// FulfillmentItem is one shipped line inside a fulfillment.
type FulfillmentItem struct {
	LineItemID string `json:"line_item_id"`
	Title      string `json:"title"`
	SKU        string `json:"sku"`
	Barcode    string `json:"barcode,omitempty"`
	Quantity   int    `json:"quantity"`
}

// Link is a cross-module association record, e.g. return to fulfillment.
type Link struct {
	ID            string `json:"id"`
	ReturnID      string `json:"return_id"`
	FulfillmentID string `json:"fulfillment_id"`
}

// PaymentCollection tracks outstanding payment bookkeeping for an order.
type PaymentCollection struct {
	ID      string  `json:"id"`
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
}

// ProductVariant carries the variant-to-product mapping read during
// co-purchase tracking.
type ProductVariant struct {
	ID        string `json:"id"`
	SKU       string `json:"sku"`
	ProductID string `json:"product_id"`
}
