package billing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryGateway is an in-process processor used by tests and by the
// "memory" billing driver. It deduplicates creates by idempotency key,
// records every call and lets tests inject failures.
type MemoryGateway struct {
	mu sync.Mutex

	Subscriptions  map[string]*ExternalSubscription
	Invoices       map[string]*Invoice
	PromotionCodes []PromotionCode
	Refunds        []Refund

	// Calls counts invocations per operation name, e.g. Calls["create"].
	Calls map[string]int
	// CreateRequests collects every create call, replays included.
	CreateRequests []CreateParams
	// UpdateRequests collects (externalID, params) pairs.
	UpdateRequests []UpdateRequest

	// Error fields allow tests to inject failures. CreateErrs is consumed
	// one entry per create call before CreateErr is consulted.
	CreateErrs   []error
	CreateErr    error
	RetrieveErr  error
	UpdateErr    error
	CancelErr    error
	InvoiceErr   error
	RefundErr    error
	PromotionErr error

	// InvoiceStatus is the status given to the first invoice of new
	// subscriptions; defaults to paid.
	InvoiceStatus string
	// PriceAmounts maps price ids to amounts in minor units; unknown prices cost 1000.
	PriceAmounts map[string]int64

	idempotency map[string]string
	now         func() time.Time
	seq         int
}

// UpdateRequest records one UpdateSubscription call
type UpdateRequest struct {
	ExternalID string
	Params     UpdateParams
}

// NewMemoryGateway creates a MemoryGateway ready for use
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		Subscriptions: make(map[string]*ExternalSubscription),
		Invoices:      make(map[string]*Invoice),
		Calls:         make(map[string]int),
		PriceAmounts:  make(map[string]int64),
		idempotency:   make(map[string]string),
		now:           time.Now,
	}
}

// CreatedCount is the number of distinct subscriptions created
func (m *MemoryGateway) CreatedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idempotency)
}

// CallCount returns how many times op was invoked
func (m *MemoryGateway) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[op]
}

// TotalCalls is the number of processor calls of any kind
func (m *MemoryGateway) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.Calls {
		total += n
	}
	return total
}

// AddPromotionCode registers a promotion code
func (m *MemoryGateway) AddPromotionCode(code PromotionCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PromotionCodes = append(m.PromotionCodes, code)
}

// PutSubscription stores or replaces a subscription, e.g. to simulate expiry
func (m *MemoryGateway) PutSubscription(sub ExternalSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copySubscription(&sub)
	m.Subscriptions[sub.ID] = cp
}

// Subscription returns a copy of a stored subscription
func (m *MemoryGateway) Subscription(id string) (*ExternalSubscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.Subscriptions[id]
	if !ok {
		return nil, false
	}
	return copySubscription(sub), true
}

func (m *MemoryGateway) CreateSubscription(_ context.Context, params CreateParams) (*ExternalSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls["create"]++
	m.CreateRequests = append(m.CreateRequests, params)

	if len(m.CreateErrs) > 0 {
		err := m.CreateErrs[0]
		m.CreateErrs = m.CreateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	if err := params.Validate(); err != nil {
		return nil, &PaymentError{Op: "create subscription", Code: "parameter_missing", Message: err.Error()}
	}

	if id, ok := m.idempotency[params.IdempotencyKey]; ok {
		return copySubscription(m.Subscriptions[id]), nil
	}

	m.seq++
	now := m.now().UTC()
	sub := &ExternalSubscription{
		ID:                 fmt.Sprintf("sub_mem_%d", m.seq),
		CustomerRef:        params.CustomerRef,
		Status:             StatusActive,
		BillingCycleAnchor: now,
		Metadata:           copyMetadata(params.Metadata),
	}

	amount, ok := m.PriceAmounts[params.PriceRef]
	if !ok {
		amount = 1000
	}
	invoice := &Invoice{
		ID:              fmt.Sprintf("in_mem_%d", m.seq),
		Status:          InvoiceStatusPaid,
		PaymentIntentID: fmt.Sprintf("pi_mem_%d", m.seq),
		AmountPaid:      amount,
	}
	if m.InvoiceStatus != "" {
		invoice.Status = m.InvoiceStatus
	}

	periodEnd := now.AddDate(0, 1, 0)
	if params.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, params.TrialDays)
		sub.Status = StatusTrialing
		sub.TrialStart = &now
		sub.TrialEnd = &trialEnd
		periodEnd = trialEnd
		invoice.PaymentIntentID = ""
		invoice.AmountPaid = 0
	}
	sub.CurrentPeriodEnd = &periodEnd
	sub.LatestInvoiceID = invoice.ID
	if invoice.Status != InvoiceStatusPaid {
		invoice.AmountPaid = 0
	}

	m.Subscriptions[sub.ID] = sub
	m.Invoices[invoice.ID] = invoice
	m.idempotency[params.IdempotencyKey] = sub.ID
	return copySubscription(sub), nil
}

func (m *MemoryGateway) RetrieveSubscription(_ context.Context, externalID string) (*ExternalSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls["retrieve"]++
	if m.RetrieveErr != nil {
		return nil, m.RetrieveErr
	}
	sub, ok := m.Subscriptions[externalID]
	if !ok {
		return nil, notFound("retrieve subscription", externalID)
	}
	return copySubscription(sub), nil
}

func (m *MemoryGateway) UpdateSubscription(_ context.Context, externalID string, params UpdateParams) (*ExternalSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls["update"]++
	m.UpdateRequests = append(m.UpdateRequests, UpdateRequest{ExternalID: externalID, Params: params})
	if m.UpdateErr != nil {
		return nil, m.UpdateErr
	}
	sub, ok := m.Subscriptions[externalID]
	if !ok {
		return nil, notFound("update subscription", externalID)
	}
	if sub.Status == StatusCanceled {
		return nil, &PaymentError{Op: "update subscription", Code: "resource_missing", Message: "canceled subscriptions cannot be updated"}
	}
	if params.ClearCancelAt {
		sub.CancelAt = nil
	}
	if params.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *params.CancelAtPeriodEnd
	}
	return copySubscription(sub), nil
}

func (m *MemoryGateway) CancelSubscription(_ context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls["cancel"]++
	if m.CancelErr != nil {
		return m.CancelErr
	}
	sub, ok := m.Subscriptions[externalID]
	if !ok {
		return notFound("cancel subscription", externalID)
	}
	sub.Status = StatusCanceled
	return nil
}

func (m *MemoryGateway) RetrieveInvoice(_ context.Context, invoiceID string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls["invoice"]++
	if m.InvoiceErr != nil {
		return nil, m.InvoiceErr
	}
	inv, ok := m.Invoices[invoiceID]
	if !ok {
		return nil, notFound("retrieve invoice", invoiceID)
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryGateway) Refund(_ context.Context, paymentIntentID string, _ RefundReason) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls["refund"]++
	if m.RefundErr != nil {
		return nil, m.RefundErr
	}

	var amount int64
	found := false
	for _, inv := range m.Invoices {
		if inv.PaymentIntentID == paymentIntentID {
			amount = inv.AmountPaid
			found = true
			break
		}
	}
	if !found {
		return nil, notFound("refund", paymentIntentID)
	}

	refund := Refund{
		ID:              fmt.Sprintf("re_mem_%d", len(m.Refunds)+1),
		PaymentIntentID: paymentIntentID,
		Amount:          amount,
		Status:          "succeeded",
	}
	m.Refunds = append(m.Refunds, refund)
	return &refund, nil
}

func (m *MemoryGateway) ListPromotionCodes(_ context.Context, code string) ([]PromotionCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls["list_promotion_codes"]++
	if m.PromotionErr != nil {
		return nil, m.PromotionErr
	}
	var out []PromotionCode
	for _, pc := range m.PromotionCodes {
		if pc.Code == code && pc.Active {
			pc.Metadata = copyMetadata(pc.Metadata)
			out = append(out, pc)
		}
	}
	return out, nil
}

func notFound(op, id string) error {
	return &PaymentError{Op: op, Code: "resource_missing", Message: fmt.Sprintf("no such object: %s", id)}
}

func copySubscription(sub *ExternalSubscription) *ExternalSubscription {
	cp := *sub
	cp.Metadata = copyMetadata(sub.Metadata)
	return &cp
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
