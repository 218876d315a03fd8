package domain

import "time"

type PriceField string

const (
	FieldMRP                      PriceField = "mrp"
	FieldCostPrice                PriceField = "costPrice"
	FieldCostPriceBase            PriceField = "costPriceBase"
	FieldSellingPrice             PriceField = "sellingPrice"
	FieldSellingPriceBase         PriceField = "sellingPriceBase"
	FieldMarginPercentage         PriceField = "marginPercentage"
	FieldPurchaseMarginPercentage PriceField = "purchaseMarginPercentage"
	FieldTaxPercentage            PriceField = "taxPercentage"
)

func (f PriceField) Valid() bool {
	switch f {
	case FieldMRP, FieldCostPrice, FieldCostPriceBase, FieldSellingPrice, FieldSellingPriceBase,
		FieldMarginPercentage, FieldPurchaseMarginPercentage, FieldTaxPercentage:
		return true
	}
	return false
}

// PriceFieldSet is the pricing section of a product form. A zero MRP means
// the MRP is not set.
type PriceFieldSet struct {
	MRP                      float64 `json:"mrp"`
	CostPrice                float64 `json:"costPrice"`
	CostPriceBase            float64 `json:"costPriceBase"`
	CostGST                  float64 `json:"costGST"`
	SellingPrice             float64 `json:"sellingPrice"`
	SellingPriceBase         float64 `json:"sellingPriceBase"`
	SellingGST               float64 `json:"sellingGST"`
	TaxPercentage            float64 `json:"taxPercentage"`
	MarginPercentage         float64 `json:"marginPercentage"`
	PurchaseMarginPercentage float64 `json:"purchaseMarginPercentage"`
}

type PriceModeFlags struct {
	EditCostPriceAsBase    bool `json:"editCostPriceAsBase"`
	EditSellingPriceAsBase bool `json:"editSellingPriceAsBase"`
}

// PriceUpdate is a partial update of a PriceFieldSet. Nil fields are left
// untouched by Apply.
type PriceUpdate struct {
	CostPrice                *float64 `json:"costPrice,omitempty"`
	CostPriceBase            *float64 `json:"costPriceBase,omitempty"`
	CostGST                  *float64 `json:"costGST,omitempty"`
	SellingPrice             *float64 `json:"sellingPrice,omitempty"`
	SellingPriceBase         *float64 `json:"sellingPriceBase,omitempty"`
	SellingGST               *float64 `json:"sellingGST,omitempty"`
	MarginPercentage         *float64 `json:"marginPercentage,omitempty"`
	PurchaseMarginPercentage *float64 `json:"purchaseMarginPercentage,omitempty"`
}

func (u PriceUpdate) IsEmpty() bool {
	return u.CostPrice == nil && u.CostPriceBase == nil && u.CostGST == nil &&
		u.SellingPrice == nil && u.SellingPriceBase == nil && u.SellingGST == nil &&
		u.MarginPercentage == nil && u.PurchaseMarginPercentage == nil
}

func (u PriceUpdate) Apply(set PriceFieldSet) PriceFieldSet {
	assign := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	assign(&set.CostPrice, u.CostPrice)
	assign(&set.CostPriceBase, u.CostPriceBase)
	assign(&set.CostGST, u.CostGST)
	assign(&set.SellingPrice, u.SellingPrice)
	assign(&set.SellingPriceBase, u.SellingPriceBase)
	assign(&set.SellingGST, u.SellingGST)
	assign(&set.MarginPercentage, u.MarginPercentage)
	assign(&set.PurchaseMarginPercentage, u.PurchaseMarginPercentage)
	return set
}

type PriceBreakdown struct {
	CostPrice        float64 `json:"costPrice"`
	CostPriceBase    float64 `json:"costPriceBase"`
	CostGST          float64 `json:"costGST"`
	SellingPrice     float64 `json:"sellingPrice"`
	SellingPriceBase float64 `json:"sellingPriceBase"`
	SellingGST       float64 `json:"sellingGST"`
}

type DeriveRequest struct {
	Field   PriceField     `json:"field" validate:"required"`
	Value   string         `json:"value"`
	Current PriceFieldSet  `json:"currentData"`
	Mode    PriceModeFlags `json:"modeFlags"`
}

type DeriveResponse struct {
	Update PriceUpdate `json:"update"`
}

type FromMRPRequest struct {
	MRP                      float64        `json:"mrp" validate:"gt=0"`
	TaxPercentage            float64        `json:"taxPercentage" validate:"gte=0,lt=100"`
	MarginPercentage         float64        `json:"marginPercentage" validate:"gte=0,lt=100"`
	PurchaseMarginPercentage float64        `json:"purchaseMarginPercentage" validate:"gte=0,lt=100"`
	Mode                     PriceModeFlags `json:"modeFlags"`
}

type Store struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
}

type User struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Email       string          `json:"email,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	IsAdmin     bool            `json:"is_admin"`
	TenantID    string          `json:"tenant_id,omitempty"`
	TenantRole  string          `json:"tenant_role,omitempty"`
	Stores      []Store         `json:"stores"`
	Permissions map[string]bool `json:"permissions,omitempty"`
	Features    map[string]bool `json:"features,omitempty"`
}

func (u *User) HasStore(storeID string) bool {
	if u == nil || storeID == "" {
		return false
	}
	for _, s := range u.Stores {
		if s.ID == storeID {
			return true
		}
	}
	return false
}

type Profile struct {
	User            User            `json:"user"`
	Stores          []Store         `json:"stores"`
	SelectedStoreID string          `json:"selected_store_id,omitempty"`
	Features        map[string]bool `json:"features,omitempty"`
}

type SessionState string

const (
	StateUnauthenticated      SessionState = "unauthenticated"
	StateAuthenticating       SessionState = "authenticating"
	StateProfileLoading       SessionState = "profile_loading"
	StateOnboardingRequired   SessionState = "onboarding_required"
	StateRegistrationRequired SessionState = "registration_required"
	StateReady                SessionState = "ready"
)

type RegistrationStatus int

const (
	RegistrationUnknown RegistrationStatus = iota
	RegistrationRequired
	RegistrationNotRequired
)

func (s RegistrationStatus) String() string {
	switch s {
	case RegistrationRequired:
		return "required"
	case RegistrationNotRequired:
		return "not_required"
	default:
		return "unknown"
	}
}

type NavigationTarget string

const (
	TargetOnboarding   NavigationTarget = "onboarding"
	TargetRegistration NavigationTarget = "registration"
	TargetDashboard    NavigationTarget = "dashboard"
)

type Session struct {
	User                  *User
	SelectedTenantStoreID string
	RegistrationRequired  RegistrationStatus
	AuthToken             string
	State                 SessionState
}

// SessionFlags are the derived values persisted for readers that do not hold
// the session, such as the navigation sidebar.
type SessionFlags struct {
	SelectedStoreID string
	IsAdmin         bool
	TenantRole      string
	Permissions     map[string]bool
	Features        map[string]bool
}

type LoginMethod string

const (
	LoginPassword LoginMethod = "password"
	LoginOTP      LoginMethod = "otp"
	LoginGoogle   LoginMethod = "google"
)

type Credentials struct {
	Identifier string
	Password   string
	Phone      string
	OTP        string
	IDToken    string
}

type LoginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

type OTPRequest struct {
	Phone string `json:"phone" validate:"required,min=8,max=20"`
}

type OTPLoginRequest struct {
	Phone string `json:"phone" validate:"required,min=8,max=20"`
	OTP   string `json:"otp" validate:"required,len=6,numeric"`
}

type GoogleLoginRequest struct {
	IDToken string `json:"id_token" validate:"required"`
}

type LoginResponse struct {
	AccessToken       string `json:"access_token"`
	ExpiresAt         string `json:"expires_at"`
	NeedsRegistration bool   `json:"needs_registration"`
}

type StatusResponse struct {
	Required bool   `json:"required"`
	Reason   string `json:"reason,omitempty"`
}

type Actor struct {
	UserID string
	Role   string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID         string
	Name       string
	Email      string
	Phone      string
	Password   string
	IsAdmin    bool
	Active     bool
	TenantID   string
	TenantRole string
	CreatedAt  time.Time
}

type Tenant struct {
	ID                 string
	Name               string
	SubscriptionActive bool
	Features           map[string]bool
	CreatedAt          time.Time
}

type OTPCode struct {
	Phone     string
	CodeHash  string
	ExpiresAt time.Time
	Attempts  int
}

const (
	TenantRoleOwner   = "owner"
	TenantRoleManager = "manager"
	TenantRoleStaff   = "staff"
)
