package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"basil/core/internal/apiclient"
	"basil/core/internal/domain"
	"basil/core/internal/logging"
	"basil/core/internal/persist"
	"basil/core/internal/pricing"
	"basil/core/internal/session"
)

const usage = `usage: basil <command> [flags]

commands:
  login        -identifier ID -password PW | -phone P -otp CODE | -google-token T
  otp-request  -phone P
  whoami
  select-store STORE_ID
  from-mrp     -mrp N [-tax N] [-margin N] [-purchase-margin N]
  derive       -field NAME -value V [current field flags]
  logout`

var errUsage = errors.New(usage)

type app struct {
	client  *apiclient.Client
	boot    *session.Bootstrapper
	calc    *pricing.Calculator
	out     io.Writer
	logger  *zap.Logger
	unwatch func()
}

func newApp(client *apiclient.Client, kv persist.Store, out io.Writer, logger *zap.Logger) *app {
	if logger == nil {
		logger = zap.NewNop()
	}
	boot := session.New(session.Deps{
		Profiles:     client,
		Auth:         client,
		Onboarding:   client,
		Registration: client,
		Tokens:       apiclient.NewPersistTokenStore(kv),
		Store:        kv,
		Identity:     logging.NewIdentityTracker(logger),
		Logger:       logger.Named("session"),
	})
	return &app{
		client:  client,
		boot:    boot,
		calc:    pricing.NewCalculator(client, logger.Named("pricing")),
		out:     out,
		logger:  logger,
		unwatch: kv.Subscribe(selectionLogger(logger.Named("selection"))),
	}
}

// selectionLogger reports store switches, including those written by another
// basil process sharing the same Redis.
func selectionLogger(logger *zap.Logger) func(persist.Change) {
	return func(c persist.Change) {
		if c.Key != session.KeySelectedStoreID {
			return
		}
		if c.Deleted {
			logger.Debug("store selection cleared")
			return
		}
		logger.Debug("store selection changed", zap.String("store_id", c.Value))
	}
}

func (a *app) close() {
	a.unwatch()
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "login":
		return a.login(ctx, rest)
	case "otp-request":
		return a.requestOTP(ctx, rest)
	case "whoami":
		return a.whoami(ctx)
	case "select-store":
		return a.selectStore(ctx, rest)
	case "from-mrp":
		return a.fromMRP(ctx, rest)
	case "derive":
		return a.derive(ctx, rest)
	case "logout":
		return a.boot.Logout(ctx)
	default:
		return errors.Wrapf(errUsage, "unknown command %q", cmd)
	}
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := a.flags("login")
	var creds domain.Credentials
	fs.StringVar(&creds.Identifier, "identifier", "", "email or phone")
	fs.StringVar(&creds.Password, "password", "", "password")
	fs.StringVar(&creds.Phone, "phone", "", "phone number for OTP login")
	fs.StringVar(&creds.OTP, "otp", "", "one-time code")
	fs.StringVar(&creds.IDToken, "google-token", "", "Google ID token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	method := domain.LoginPassword
	switch {
	case creds.IDToken != "":
		method = domain.LoginGoogle
	case creds.OTP != "":
		method = domain.LoginOTP
	}

	target, err := a.boot.Login(ctx, method, creds)
	if err != nil {
		a.logger.Debug("login failed", zap.Error(err))
		return errors.New(session.UserMessage(err))
	}
	return a.print(map[string]any{
		"next":  target,
		"state": a.boot.State(),
		"store": a.boot.Session().SelectedTenantStoreID,
	})
}

func (a *app) requestOTP(ctx context.Context, args []string) error {
	fs := a.flags("otp-request")
	phone := fs.String("phone", "", "phone number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *phone == "" {
		return errors.New("otp-request: -phone is required")
	}
	if err := a.client.RequestOTP(ctx, *phone); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "code sent")
	return nil
}

func (a *app) whoami(ctx context.Context) error {
	sess, err := a.boot.Bootstrap(ctx)
	if err != nil {
		return err
	}
	if sess.User == nil {
		fmt.Fprintln(a.out, "not signed in")
		return nil
	}
	return a.print(map[string]any{
		"state":          sess.State,
		"user":           sess.User.ID,
		"name":           sess.User.Name,
		"tenant_role":    sess.User.TenantRole,
		"selected_store": sess.SelectedTenantStoreID,
		"stores":         sess.User.Stores,
		"registration":   sess.RegistrationRequired.String(),
	})
}

func (a *app) selectStore(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("select-store: exactly one store id is required")
	}
	sess, err := a.boot.Bootstrap(ctx)
	if err != nil {
		return err
	}
	if sess.User == nil {
		return errors.New("not signed in")
	}
	if err := a.boot.SelectStore(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "selected %s\n", args[0])
	return nil
}

func (a *app) fromMRP(ctx context.Context, args []string) error {
	fs := a.flags("from-mrp")
	var req domain.FromMRPRequest
	fs.Float64Var(&req.MRP, "mrp", 0, "maximum retail price")
	fs.Float64Var(&req.TaxPercentage, "tax", 0, "tax percentage")
	fs.Float64Var(&req.MarginPercentage, "margin", 0, "selling discount from MRP")
	fs.Float64Var(&req.PurchaseMarginPercentage, "purchase-margin", 0, "purchase discount from MRP")
	fs.BoolVar(&req.Mode.EditCostPriceAsBase, "cost-as-base", false, "treat cost price as tax-exclusive")
	fs.BoolVar(&req.Mode.EditSellingPriceAsBase, "selling-as-base", false, "treat selling price as tax-exclusive")
	if err := fs.Parse(args); err != nil {
		return err
	}

	prices, source, err := a.calc.FromMRP(ctx, req)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"source": source, "prices": prices})
}

func (a *app) derive(ctx context.Context, args []string) error {
	fs := a.flags("derive")
	var req domain.DeriveRequest
	var field string
	fs.StringVar(&field, "field", "", "edited field")
	fs.StringVar(&req.Value, "value", "", "raw input for the edited field")
	fs.Float64Var(&req.Current.MRP, "mrp", 0, "")
	fs.Float64Var(&req.Current.CostPrice, "cost", 0, "")
	fs.Float64Var(&req.Current.CostPriceBase, "cost-base", 0, "")
	fs.Float64Var(&req.Current.SellingPrice, "selling", 0, "")
	fs.Float64Var(&req.Current.SellingPriceBase, "selling-base", 0, "")
	fs.Float64Var(&req.Current.TaxPercentage, "tax", 0, "")
	fs.Float64Var(&req.Current.MarginPercentage, "margin", 0, "")
	fs.Float64Var(&req.Current.PurchaseMarginPercentage, "purchase-margin", 0, "")
	fs.BoolVar(&req.Mode.EditCostPriceAsBase, "cost-as-base", false, "")
	fs.BoolVar(&req.Mode.EditSellingPriceAsBase, "selling-as-base", false, "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req.Field = domain.PriceField(field)
	if !req.Field.Valid() {
		return errors.Errorf("derive: unknown field %q", field)
	}

	update, source := a.calc.Derive(ctx, req)
	return a.print(map[string]any{"source": source, "update": update})
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
