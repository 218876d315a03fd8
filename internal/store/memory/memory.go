package memory

import (
	"context"
	"log"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"basil/core/internal/domain"
	"basil/core/internal/store"
	"basil/core/internal/xid"
)

// Demo tenant ids used by the seeded store.
const (
	SeedTenantID         = "tenant-demo"
	SeedDormantTenantID  = "tenant-dormant"
	SeedStoreMainID      = "store-main"
	SeedStoreBranchID    = "store-branch"
	SeedOwnerEmail       = "owner@basil.local"
	SeedOwnerPhone       = "+910000000001"
	SeedStaffEmail       = "staff@basil.local"
	SeedNewcomerEmail    = "newcomer@basil.local"
	SeedDormantUserEmail = "dormant@basil.local"
)

type Store struct {
	mu              sync.RWMutex
	users           map[string]domain.UserAccount
	tenants         map[string]domain.Tenant
	stores          map[string][]domain.Store
	rolePermissions map[string]map[string][]string
	googleSubjects  map[string]string
	otpByPhone      map[string]domain.OTPCode
}

func New() *Store {
	return &Store{
		users:           make(map[string]domain.UserAccount),
		tenants:         make(map[string]domain.Tenant),
		stores:          make(map[string][]domain.Store),
		rolePermissions: make(map[string]map[string][]string),
		googleSubjects:  make(map[string]string),
		otpByPhone:      make(map[string]domain.OTPCode),
	}
}

// NewSeeded builds a demo data set for dev mode: an active tenant with two
// stores, a tenant whose only store is inactive, and a user with no tenant.
// All seeded users share SEED_PASSWORD, falling back to a dev default with a
// warning.
func NewSeeded() *Store {
	password := os.Getenv("SEED_PASSWORD")
	if password == "" {
		password = "basil-dev-123"
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_PASSWORD to override.")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("[memory-store] failed to hash seed password: %v", err)
	}

	s := New()
	now := time.Now().UTC()

	s.tenants[SeedTenantID] = domain.Tenant{
		ID:                 SeedTenantID,
		Name:               "Basil Demo Mart",
		SubscriptionActive: true,
		Features:           map[string]bool{"inventory": true, "purchase_orders": true},
		CreatedAt:          now,
	}
	s.tenants[SeedDormantTenantID] = domain.Tenant{
		ID:                 SeedDormantTenantID,
		Name:               "Dormant Traders",
		SubscriptionActive: true,
		Features:           map[string]bool{},
		CreatedAt:          now,
	}
	s.stores[SeedTenantID] = []domain.Store{
		{ID: SeedStoreMainID, TenantID: SeedTenantID, Name: "Main Street", Active: true},
		{ID: SeedStoreBranchID, TenantID: SeedTenantID, Name: "Market Road", Active: true},
	}
	s.stores[SeedDormantTenantID] = []domain.Store{
		{ID: "store-dormant", TenantID: SeedDormantTenantID, Name: "Closed Outlet", Active: false},
	}
	s.rolePermissions[SeedTenantID] = map[string][]string{
		domain.TenantRoleOwner:   {"products.read", "products.write", "pricing.write", "stores.manage", "users.manage"},
		domain.TenantRoleManager: {"products.read", "products.write", "pricing.write"},
		domain.TenantRoleStaff:   {"products.read"},
	}

	for _, u := range []domain.UserAccount{
		{Name: "Demo Owner", Email: SeedOwnerEmail, Phone: SeedOwnerPhone, TenantID: SeedTenantID, TenantRole: domain.TenantRoleOwner},
		{Name: "Demo Staff", Email: SeedStaffEmail, Phone: "+910000000002", TenantID: SeedTenantID, TenantRole: domain.TenantRoleStaff},
		{Name: "New Signup", Email: SeedNewcomerEmail, Phone: "+910000000003"},
		{Name: "Dormant Owner", Email: SeedDormantUserEmail, Phone: "+910000000004", TenantID: SeedDormantTenantID, TenantRole: domain.TenantRoleOwner},
	} {
		u.ID = xid.New("usr")
		u.Password = string(hash)
		u.Active = true
		u.CreatedAt = now
		s.users[u.ID] = u
	}
	return s
}

func (s *Store) FindUserByIdentifier(_ context.Context, identifier string) (domain.UserAccount, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return domain.UserAccount{}, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, identifier) || (u.Phone != "" && u.Phone == identifier) {
			return u, nil
		}
	}
	return domain.UserAccount{}, store.ErrNotFound
}

func (s *Store) FindUserByID(_ context.Context, id string) (domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return domain.UserAccount{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Store) FindUserByGoogleSubject(ctx context.Context, subject string) (domain.UserAccount, error) {
	s.mu.RLock()
	userID, ok := s.googleSubjects[subject]
	s.mu.RUnlock()
	if !ok {
		return domain.UserAccount{}, store.ErrNotFound
	}
	return s.FindUserByID(ctx, userID)
}

func (s *Store) LinkGoogleIdentity(_ context.Context, subject string, userID string) error {
	if subject == "" || userID == "" {
		return store.ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return store.ErrNotFound
	}
	if existing, ok := s.googleSubjects[subject]; ok && existing != userID {
		return store.ErrConflict
	}
	s.googleSubjects[subject] = userID
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.Phone = strings.TrimSpace(user.Phone)
	if user.ID == "" || (user.Email == "" && user.Phone == "") {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.ID]; exists {
		return store.ErrConflict
	}
	for _, u := range s.users {
		if (user.Email != "" && strings.EqualFold(u.Email, user.Email)) || (user.Phone != "" && u.Phone == user.Phone) {
			return store.ErrConflict
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = user
	return nil
}

func (s *Store) UpdateUserPassword(_ context.Context, userID string, password string) error {
	if userID == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.users[userID] = u
	return nil
}

func (s *Store) GetTenant(_ context.Context, tenantID string) (domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return domain.Tenant{}, store.ErrNotFound
	}
	t.Features = maps.Clone(t.Features)
	return t, nil
}

func (s *Store) ListStores(_ context.Context, tenantID string) ([]domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stores := slices.Clone(s.stores[tenantID])
	slices.SortStableFunc(stores, func(a, b domain.Store) int {
		return strings.Compare(a.Name, b.Name)
	})
	return stores, nil
}

func (s *Store) RolePermissions(_ context.Context, tenantID string, role string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rolePermissions[tenantID][role]), nil
}

// PutTenant registers a tenant with its stores outside the seed.
func (s *Store) PutTenant(tenant domain.Tenant, stores ...domain.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant.ID] = tenant
	s.stores[tenant.ID] = append(s.stores[tenant.ID], stores...)
}

func (s *Store) PutRolePermissions(tenantID string, role string, permissions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rolePermissions[tenantID] == nil {
		s.rolePermissions[tenantID] = make(map[string][]string)
	}
	s.rolePermissions[tenantID][role] = permissions
}

func (s *Store) SaveOTP(_ context.Context, code domain.OTPCode) error {
	if code.Phone == "" || code.CodeHash == "" {
		return store.ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.otpByPhone[code.Phone] = code
	return nil
}

func (s *Store) GetOTP(_ context.Context, phone string) (domain.OTPCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.otpByPhone[phone]
	if !ok {
		return domain.OTPCode{}, store.ErrNotFound
	}
	return code, nil
}

func (s *Store) IncrementOTPAttempts(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.otpByPhone[phone]
	if !ok {
		return store.ErrNotFound
	}
	code.Attempts++
	s.otpByPhone[phone] = code
	return nil
}

func (s *Store) DeleteOTP(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.otpByPhone, phone)
	return nil
}
