package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/rani-wehbe/opticalsend/core/journal"
)

// parseJournalDSN accepts a postgres:// URL and turns it into the
// journal's discrete connection config.
func parseJournalDSN(dsn string) (journal.Config, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return journal.Config{}, fmt.Errorf("invalid_dsn: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return journal.Config{}, fmt.Errorf("invalid_dsn: unsupported scheme %q", u.Scheme)
	}

	port := 5432
	if p := u.Port(); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return journal.Config{}, fmt.Errorf("invalid_dsn: bad port %q", p)
		}
		port = parsed
	}

	password, _ := u.User.Password()
	sslMode := "disable"
	if m := u.Query().Get("sslmode"); m != "" {
		sslMode = m
	}

	database := u.Path
	if len(database) > 0 && database[0] == '/' {
		database = database[1:]
	}

	return journal.Config{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		Database: database,
		SSLMode:  sslMode,
	}, nil
}
