package database

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ananth-NQI/cakepe-backend/internal/config"
)

func TestDSN(t *testing.T) {
	cfg := config.DatabaseConfig{Host: "localhost", Port: 5432, User: "postgres", Pass: "pw", Name: "cakepe"}
	assert.Equal(t, "host=localhost user=postgres password=pw dbname=cakepe port=5432 sslmode=disable", DSN(cfg))

	cfg.InstanceConnectionName = "proj:asia-south1:cakepe"
	assert.Equal(t, "host=/cloudsql/proj:asia-south1:cakepe user=postgres password=pw dbname=cakepe sslmode=disable", DSN(cfg))
}
