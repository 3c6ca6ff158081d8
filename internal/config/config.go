// Package config holds the engine configuration types.
package config

// Config stores all parameters gathered from CLI flags or the interactive
// prompts.
type Config struct {
	ServerAddr string // relay server, host:port
	Passphrase string // optional room passphrase

	P2P       bool // host a direct session and attempt the NAT punch
	PortBase  int  // first port of the P2P listen range
	PortCount int  // number of ports to try

	StatusAddr string // local status feed listen address, empty disables
	Debug      bool
}
