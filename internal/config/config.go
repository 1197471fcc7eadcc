package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	SQLitePath            string
	AuthSecret            string
	AccessTokenTTLMinutes int

	MallTokenURL         string
	MallAPIURL           string
	MallClientID         string
	MallClientSecret     string
	MallPropertyCode     string
	MallPOSInterfaceCode string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		SQLitePath:            getEnv("SQLITE_PATH", "pos.db"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,

		MallTokenURL:         os.Getenv("MALL_TOKEN_URL"),
		MallAPIURL:           os.Getenv("MALL_API_URL"),
		MallClientID:         os.Getenv("MALL_CLIENT_ID"),
		MallClientSecret:     os.Getenv("MALL_CLIENT_SECRET"),
		MallPropertyCode:     os.Getenv("MALL_PROPERTY_CODE"),
		MallPOSInterfaceCode: getEnv("MALL_POS_INTERFACE_CODE", "POS-01"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
