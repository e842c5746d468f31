package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsession/internal/backendsim"
	"github.com/jmcleod/ironsession/internal/uuid"
	"github.com/jmcleod/ironsession/transport"
)

var (
	simPort      int
	simUsers     []string
	simTwoFactor []string
	simOAuth     []string
	simAccessTTL time.Duration
	simNoRotate  bool
)

var serveSimCmd = &cobra.Command{
	Use:   "serve-sim",
	Short: "Run the simulated backend for demos and manual testing",
	Long: `Serves the auth and items API the client expects, with in-memory accounts.
Users are given as email:password; two-factor users as email:password:code;
OAuth mappings as provider:code:email.`,
	Args: cobra.NoArgs,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := []backendsim.Option{
			backendsim.WithAccessTTL(simAccessTTL),
			backendsim.WithLogger(logger()),
		}
		if simNoRotate {
			opts = append(opts, backendsim.WithoutRotation())
		}
		sim := backendsim.New(opts...)

		if err := seedSim(sim, simUsers, simTwoFactor, simOAuth); err != nil {
			return err
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", simPort),
			Handler:           sim,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner("Simulated Backend")
		fmt.Printf("Listening on port %d (docs at /api/v1/docs)...\n", simPort)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// seedSim registers the accounts given on the command line.
func seedSim(sim *backendsim.Server, users, twoFactor, oauth []string) error {
	for _, u := range users {
		email, password, ok := strings.Cut(u, ":")
		if !ok || email == "" || password == "" {
			return fmt.Errorf("invalid --user %q, want email:password", u)
		}
		sim.AddUser(email, password, transport.User{ID: uuid.New(), Roles: []string{"user"}})
	}
	for _, u := range twoFactor {
		parts := strings.SplitN(u, ":", 3)
		if len(parts) != 3 {
			return fmt.Errorf("invalid --two-factor-user %q, want email:password:code", u)
		}
		sim.AddTwoFactorUser(parts[0], parts[1], parts[2], transport.User{ID: uuid.New(), Roles: []string{"user"}})
	}
	for _, m := range oauth {
		parts := strings.SplitN(m, ":", 3)
		if len(parts) != 3 {
			return fmt.Errorf("invalid --oauth %q, want provider:code:email", m)
		}
		sim.AddOAuthUser(parts[0], parts[1], parts[2])
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveSimCmd)
	f := serveSimCmd.Flags()
	f.IntVarP(&simPort, "port", "p", 8080, "Port to listen on")
	f.StringArrayVar(&simUsers, "user", []string{"demo@example.com:demo-password"}, "Account as email:password (repeatable)")
	f.StringArrayVar(&simTwoFactor, "two-factor-user", nil, "Two-factor account as email:password:code (repeatable)")
	f.StringArrayVar(&simOAuth, "oauth", nil, "OAuth mapping as provider:code:email (repeatable)")
	f.DurationVar(&simAccessTTL, "access-ttl", 15*time.Minute, "Access token lifetime")
	f.BoolVar(&simNoRotate, "no-rotation", false, "Keep the refresh token on refresh")
}
