// Package main runs securecore with in-memory repositories.
// This is useful for:
// - Quick development and testing
// - Demo/prototype environments
// - Learning the API without database setup
//
// Note: All data is lost when the server stops. For production, wire the
// PostgreSQL repositories against a pgx pool instead.
package main

import (
	"log/slog"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/tendant/chi-demo/app"

	"github.com/polisafe/securecore/pkg/authflow"
	authflowapi "github.com/polisafe/securecore/pkg/authflow/api"
	"github.com/polisafe/securecore/pkg/devicetrust"
	devicetrustapi "github.com/polisafe/securecore/pkg/devicetrust/api"
	"github.com/polisafe/securecore/pkg/secrets"
	"github.com/polisafe/securecore/pkg/securityevent"
	"github.com/polisafe/securecore/pkg/twofa"
	twofaapi "github.com/polisafe/securecore/pkg/twofa/api"
)

type Config struct {
	AppConfig     app.AppConfig
	EncryptionKey string `env:"ENCRYPTION_KEY" env-default:"dev-encryption-key-change-me"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	config := Config{}
	if err := cleanenv.ReadEnv(&config); err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	encryption, err := secrets.NewEncryptionService(config.EncryptionKey)
	if err != nil {
		slog.Error("Failed to create encryption service", "error", err)
		os.Exit(1)
	}

	eventRepo := securityevent.NewInMemEventRepository()
	deviceRepo := devicetrust.NewInMemDeviceRepository()
	deviceService := devicetrust.NewDeviceTrustService(deviceRepo, eventRepo)

	credentialRepo := twofa.NewInMemCredentialRepository()
	attemptLedger := twofa.NewInMemAttemptLedger()
	twoFaService := twofa.NewTwoFaService(credentialRepo, attemptLedger, encryption, twofa.NewTotpVerifier())

	flow := authflow.NewFlow(deviceService, twoFaService, nil)

	myApp := app.DefaultApp()
	app.RegisterHealthzRoutes(myApp.R)

	devicetrustapi.Routes(myApp.R, devicetrustapi.NewDeviceTrustHandler(deviceService))
	twofaapi.Routes(myApp.R, twofaapi.NewTwoFaHandler(twoFaService))
	authflowapi.Routes(myApp.R, authflowapi.NewAuthFlowHandler(flow))

	slog.Info("Starting securecore (in-memory repositories, data is not persisted)")
	myApp.Run()
}
