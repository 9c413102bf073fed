// Package config loads connection profiles from TOML.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Algorithms struct {
	KeyExchanges []string
	HostKeys     []string
	Ciphers      []string
	MACs         []string
}

type SFTP struct {
	QueueDepth int
	ChunkSize  int
}

// Answer pairs a keyboard-interactive prompt fragment with its reply.
type Answer struct {
	Prompt string
	Answer string
}

// Profile describes one remote host and how to reach it.
type Profile struct {
	Host string
	Port int
	User string

	Password     string
	IdentityFile string
	Passphrase   string
	Answers      []Answer

	KnownHosts               string
	InsecureSkipHostKeyCheck bool

	ConnectTimeout time.Duration
	ChannelTimeout time.Duration
	IPTOS          int

	Algorithms Algorithms
	SFTP       SFTP
}

func DefaultProfile() Profile {
	return Profile{
		Port:           22,
		User:           os.Getenv("USER"),
		KnownHosts:     "~/.ssh/known_hosts",
		ConnectTimeout: 10 * time.Second,
		ChannelTimeout: 30 * time.Second,
		SFTP: SFTP{
			QueueDepth: 32,
			ChunkSize:  32 * 1024,
		},
	}
}

// Address returns host:port.
func (p Profile) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

type fileAlgorithms struct {
	KeyExchanges []string `toml:"kex"`
	HostKeys     []string `toml:"host_keys"`
	Ciphers      []string `toml:"ciphers"`
	MACs         []string `toml:"macs"`
}

type fileSFTP struct {
	QueueDepth int `toml:"queue_depth"`
	ChunkSize  int `toml:"chunk_size"`
}

type fileAnswer struct {
	Prompt string `toml:"prompt"`
	Answer string `toml:"answer"`
}

type fileProfile struct {
	Host           string         `toml:"host"`
	Port           int            `toml:"port"`
	User           string         `toml:"user"`
	Password       string         `toml:"password"`
	IdentityFile   string         `toml:"identity_file"`
	Passphrase     string         `toml:"passphrase"`
	KnownHosts     string         `toml:"known_hosts"`
	Insecure       bool           `toml:"insecure_skip_host_key_check"`
	ConnectTimeout string         `toml:"connect_timeout"`
	ChannelTimeout string         `toml:"channel_timeout"`
	IPTOS          int            `toml:"ip_tos"`
	Algorithms     fileAlgorithms `toml:"algorithms"`
	SFTP           fileSFTP       `toml:"sftp"`
	Answers        []fileAnswer   `toml:"answers"`
}

// LoadProfile decodes path over DefaultProfile and validates the result.
// Only keys present in the file override defaults.
func LoadProfile(path string) (Profile, error) {
	cfg := DefaultProfile()

	var raw fileProfile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Profile{}, fmt.Errorf("load profile: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Profile{}, fmt.Errorf("load profile: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("user") {
		cfg.User = strings.TrimSpace(raw.User)
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("identity_file") {
		cfg.IdentityFile = strings.TrimSpace(raw.IdentityFile)
	}
	if meta.IsDefined("passphrase") {
		cfg.Passphrase = raw.Passphrase
	}
	if meta.IsDefined("known_hosts") {
		cfg.KnownHosts = strings.TrimSpace(raw.KnownHosts)
	}
	if meta.IsDefined("insecure_skip_host_key_check") {
		cfg.InsecureSkipHostKeyCheck = raw.Insecure
	}
	if meta.IsDefined("connect_timeout") {
		d, err := parseDuration(raw.ConnectTimeout)
		if err != nil {
			return Profile{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}
	if meta.IsDefined("channel_timeout") {
		d, err := parseDuration(raw.ChannelTimeout)
		if err != nil {
			return Profile{}, fmt.Errorf("parse channel_timeout: %w", err)
		}
		cfg.ChannelTimeout = d
	}
	if meta.IsDefined("ip_tos") {
		cfg.IPTOS = raw.IPTOS
	}

	if meta.IsDefined("algorithms", "kex") {
		cfg.Algorithms.KeyExchanges = normalizeList(raw.Algorithms.KeyExchanges)
	}
	if meta.IsDefined("algorithms", "host_keys") {
		cfg.Algorithms.HostKeys = normalizeList(raw.Algorithms.HostKeys)
	}
	if meta.IsDefined("algorithms", "ciphers") {
		cfg.Algorithms.Ciphers = normalizeList(raw.Algorithms.Ciphers)
	}
	if meta.IsDefined("algorithms", "macs") {
		cfg.Algorithms.MACs = normalizeList(raw.Algorithms.MACs)
	}
	if meta.IsDefined("sftp", "queue_depth") {
		cfg.SFTP.QueueDepth = raw.SFTP.QueueDepth
	}
	if meta.IsDefined("sftp", "chunk_size") {
		cfg.SFTP.ChunkSize = raw.SFTP.ChunkSize
	}
	for _, a := range raw.Answers {
		cfg.Answers = append(cfg.Answers, Answer{Prompt: a.Prompt, Answer: a.Answer})
	}

	if cfg.IdentityFile, err = ExpandPath(cfg.IdentityFile); err != nil {
		return Profile{}, err
	}
	if cfg.KnownHosts, err = ExpandPath(cfg.KnownHosts); err != nil {
		return Profile{}, err
	}
	if err := ValidateProfile(cfg); err != nil {
		return Profile{}, err
	}
	return cfg, nil
}

func ValidateProfile(cfg Profile) error {
	if strings.TrimSpace(cfg.Host) == "" {
		return fmt.Errorf("profile missing host")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("profile port out of range: %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.User) == "" {
		return fmt.Errorf("profile missing user")
	}
	if !cfg.InsecureSkipHostKeyCheck && strings.TrimSpace(cfg.KnownHosts) == "" {
		return fmt.Errorf("profile needs known_hosts unless insecure_skip_host_key_check is set")
	}
	if cfg.ConnectTimeout < 0 || cfg.ChannelTimeout < 0 {
		return fmt.Errorf("profile timeouts must not be negative")
	}
	if cfg.IPTOS < 0 || cfg.IPTOS > 255 {
		return fmt.Errorf("profile ip_tos out of range: %d", cfg.IPTOS)
	}
	if cfg.SFTP.QueueDepth < 1 {
		return fmt.Errorf("sftp queue_depth must be positive")
	}
	if cfg.SFTP.ChunkSize < 1 || cfg.SFTP.ChunkSize > 255*1024 {
		return fmt.Errorf("sftp chunk_size out of range: %d", cfg.SFTP.ChunkSize)
	}
	for i, a := range cfg.Answers {
		if strings.TrimSpace(a.Prompt) == "" {
			return fmt.Errorf("answers[%d] missing prompt", i)
		}
	}
	return nil
}

// ExpandPath replaces a leading "~" with the home directory.
func ExpandPath(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	return home + strings.TrimPrefix(p, "~"), nil
}

func parseDuration(raw string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(raw))
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
