package accounting

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OwnerType string

const (
	OwnerUser    OwnerType = "USER"
	OwnerProject OwnerType = "PROJECT"
)

// ParseOwnerType accepts the wire spelling of an owner type.
func ParseOwnerType(s string) (OwnerType, error) {
	switch OwnerType(s) {
	case OwnerUser, OwnerProject:
		return OwnerType(s), nil
	}
	return "", fmt.Errorf("%w: unknown owner type %q", ErrInvalidArgument, s)
}

// Owner identifies a workspace: a user's personal workspace or a project.
type Owner struct {
	ID   string    `json:"id" validate:"required"`
	Type OwnerType `json:"type" validate:"required,oneof=USER PROJECT"`
}

func (o Owner) String() string {
	return string(o.Type) + ":" + o.ID
}

func (o Owner) IsProject() bool {
	return o.Type == OwnerProject
}

// CategoryID is the identity of a product category.
type CategoryID struct {
	Provider string `json:"provider" validate:"required"`
	Name     string `json:"name" validate:"required"`
}

func (c CategoryID) String() string {
	return c.Provider + "/" + c.Name
}

// ProductCategory is catalog metadata for a category. It is immutable once a
// wallet references it.
type ProductCategory struct {
	Provider    string `json:"provider"`
	Name        string `json:"name"`
	ProductType string `json:"productType,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Hidden      bool   `json:"hidden,omitempty"`
}

func (c ProductCategory) ID() CategoryID {
	return CategoryID{Provider: c.Provider, Name: c.Name}
}

// WalletKey is the identity of a wallet.
type WalletKey struct {
	Owner    Owner      `json:"owner" validate:"required"`
	Category CategoryID `json:"category" validate:"required"`
}

type Wallet struct {
	Owner     Owner           `json:"owner"`
	Category  ProductCategory `json:"category"`
	Balance   int64           `json:"balance"`
	Allocated int64           `json:"allocated"`
	Used      int64           `json:"used"`
	// Reserved is the sum of pending reservation holds.
	Reserved                int64 `json:"reserved"`
	Locked                  bool  `json:"locked"`
	LastSignificantUpdateAt int64 `json:"lastSignificantUpdateAt"`
}

func (w *Wallet) Key() WalletKey {
	return WalletKey{Owner: w.Owner, Category: w.Category.ID()}
}

// Available is the part of the allocation not yet used or held.
func (w *Wallet) Available() int64 {
	return w.Allocated - w.Used - w.Reserved
}

func (w *Wallet) refreshLock() {
	w.Locked = w.Balance <= 0
}

type TransactionType string

const (
	TransactionGifted                TransactionType = "GIFTED"
	TransactionTransferredToPersonal TransactionType = "TRANSFERRED_TO_PERSONAL"
	TransactionTransferredToProject  TransactionType = "TRANSFERRED_TO_PROJECT"
	TransactionPayment               TransactionType = "PAYMENT"
)

func (t TransactionType) valid() bool {
	switch t {
	case TransactionGifted, TransactionTransferredToPersonal, TransactionTransferredToProject, TransactionPayment:
		return true
	}
	return false
}

// ProductRef points at a product inside a category.
type ProductRef struct {
	ID       string `json:"id" validate:"required"`
	Category string `json:"category" validate:"required"`
	Provider string `json:"provider" validate:"required"`
}

func (p ProductRef) CategoryID() CategoryID {
	return CategoryID{Provider: p.Provider, Name: p.Category}
}

// Reservation is a named hold against a wallet. Settled reservations are kept
// until they expire so that retried requests with the same job id are no-ops.
type Reservation struct {
	JobID           string          `json:"jobId"`
	Wallet          WalletKey       `json:"wallet"`
	Amount          int64           `json:"amount"`
	ProductID       string          `json:"productId"`
	ProductUnits    int64           `json:"productUnits"`
	TransactionType TransactionType `json:"transactionType"`
	SkipLimitCheck  bool            `json:"skipLimitCheck"`
	Settled         bool            `json:"settled"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Transaction is an append-only record of a committed wallet change.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	Type        TransactionType `json:"type"`
	Wallet      WalletKey       `json:"wallet"`
	Change      int64           `json:"change"`
	Reference   string          `json:"reference,omitempty"`
	InitiatedBy string          `json:"initiatedBy"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Actor is the authenticated principal on whose behalf a request runs.
type Actor struct {
	Username string
	Role     string
}

// SystemActor is used by background jobs.
var SystemActor = Actor{Username: "_accounting", Role: "SERVICE"}

type ReserveCreditsRequest struct {
	JobID                  string          `json:"jobId" validate:"required"`
	Amount                 int64           `json:"amount" validate:"gte=0"`
	Account                Owner           `json:"account" validate:"required"`
	Product                ProductRef      `json:"product" validate:"required"`
	ProductUnits           int64           `json:"productUnits" validate:"gte=0"`
	ExpiresAt              time.Time       `json:"expiresAt"`
	TransactionType        TransactionType `json:"transactionType"`
	DiscardAfterLimitCheck bool            `json:"discardAfterLimitCheck"`
	ChargeImmediately      bool            `json:"chargeImmediately"`
	SkipIfExists           bool            `json:"skipIfExists"`
	SkipLimitCheck         bool            `json:"skipLimitCheck"`
}

type ChargeReservationRequest struct {
	Name         string `json:"name" validate:"required"`
	Amount       int64  `json:"amount" validate:"gte=0"`
	ProductUnits int64  `json:"productUnits" validate:"gte=0"`
}

type AddToBalanceRequest struct {
	Wallet  WalletKey `json:"wallet" validate:"required"`
	Credits int64     `json:"credits" validate:"gte=0"`
}

type SetBalanceRequest struct {
	Wallet           WalletKey `json:"wallet" validate:"required"`
	LastKnownBalance int64     `json:"lastKnownBalance"`
	NewBalance       int64     `json:"newBalance"`
}

type TransferToPersonalRequest struct {
	InitiatedBy string    `json:"initiatedBy"`
	Amount      int64     `json:"amount" validate:"gte=0"`
	Source      WalletKey `json:"sourceAccount" validate:"required"`
	Destination WalletKey `json:"destinationAccount" validate:"required"`
}

type RetrieveBalanceRequest struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	IncludeChildren bool   `json:"includeChildren"`
	ShowHidden      bool   `json:"showHidden"`
}

type RetrieveBalanceResponse struct {
	Wallets []Wallet `json:"wallets"`
}
