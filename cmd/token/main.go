package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/astromechza/diagram-sync/pkg/config"
	"github.com/astromechza/diagram-sync/pkg/relay"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to a yaml config file to read server.jwt_secret from")
	secretVar := flag.String("secret", "", "the signing secret, overrides the config")
	userVar := flag.String("user", "", "the user id to embed as the subject")
	nameVar := flag.String("name", "", "the display name shown to peers")
	ttlVar := flag.Duration("ttl", 24*time.Hour, "how long the token is valid for")
	flag.Parse()

	secret := *secretVar
	if secret == "" {
		cfg, err := config.Load(*configVar)
		if err != nil {
			return err
		}
		secret = cfg.Server.JWTSecret
	}
	if secret == "" {
		return fmt.Errorf("no secret: set -secret or server.jwt_secret")
	}
	if *userVar == "" {
		return fmt.Errorf("-user is required")
	}

	token, err := relay.MintToken(secret, *userVar, *nameVar, *ttlVar)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
