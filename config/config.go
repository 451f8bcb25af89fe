package config

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"
)

// Config holds the gateway configuration
type Config struct {
	MySQL  GatewayConfig
	SesCmd SesCmdConfig
	Cache  CacheConfig
	Users  map[string]string // username -> hex SHA1(SHA1(password))
}

// GatewayConfig holds the client-facing listener and backend set
type GatewayConfig struct {
	Listen   string
	Primary  string   // Primary backend address
	Replicas []string // Additional backend addresses
	SendBuf  int      // SO_SNDBUF for accepted sockets, 0 = kernel default
}

// SesCmdConfig holds the session command list semantics
type SesCmdConfig struct {
	ReplyOn   string // first, last, all_ok
	MustReply string // one, all
	OnError   string // drop, abort
	MaxLen    int    // 0 = unlimited
	OnMaxLen  string // drop_first, reject_new
}

// CacheConfig holds the result cache settings
type CacheConfig struct {
	MaxSize int // 0 disables the cache
}

// Load reads configuration from an INI file with environment variable overrides
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	config := &Config{
		MySQL:  loadGatewayConfig(cfg),
		SesCmd: loadSesCmdConfig(cfg),
		Cache:  loadCacheConfig(cfg),
		Users:  loadUsers(cfg),
	}

	// Environment variable overrides
	if v := os.Getenv("SQLGATE_LISTEN"); v != "" {
		config.MySQL.Listen = v
	}
	if v := os.Getenv("SQLGATE_PRIMARY"); v != "" {
		config.MySQL.Primary = v
	}

	return config, nil
}

func loadGatewayConfig(cfg *ini.File) GatewayConfig {
	sec := cfg.Section("mysql")

	listen := sec.Key("listen").MustString("127.0.0.1:4406")
	primary := sec.Key("primary").MustString("127.0.0.1:3306")
	sendBuf := sec.Key("sndbuf").MustInt(0)

	// Parse replicas (replica1, replica2, etc.)
	var replicas []string
	for i := 1; i <= 10; i++ { // Support up to 10 replicas
		keyName := "replica" + strconv.Itoa(i)
		replica := sec.Key(keyName).String()
		if replica != "" {
			replicas = append(replicas, replica)
		}
	}

	return GatewayConfig{
		Listen:   listen,
		Primary:  primary,
		Replicas: replicas,
		SendBuf:  sendBuf,
	}
}

func loadSesCmdConfig(cfg *ini.File) SesCmdConfig {
	sec := cfg.Section("sescmd")
	return SesCmdConfig{
		ReplyOn:   sec.Key("reply_on").MustString("first"),
		MustReply: sec.Key("must_reply").MustString("one"),
		OnError:   sec.Key("on_error").MustString("drop"),
		MaxLen:    sec.Key("max_len").MustInt(0),
		OnMaxLen:  sec.Key("on_mlen_err").MustString("drop_first"),
	}
}

func loadCacheConfig(cfg *ini.File) CacheConfig {
	sec := cfg.Section("cache")
	return CacheConfig{
		MaxSize: sec.Key("max_size").MustInt(0),
	}
}

func loadUsers(cfg *ini.File) map[string]string {
	users := make(map[string]string)
	sec := cfg.Section("users")
	for _, key := range sec.Keys() {
		users[key.Name()] = key.String()
	}
	return users
}
