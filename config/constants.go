package config

// RelayAddr is a host:port pair for an IRC relay server used as a
// rendezvous point.
type RelayAddr struct {
	Host string
	Port int
}

var (
	// MainnetRelays are the well-known public relays used in production.
	MainnetRelays = []RelayAddr{
		{Host: "irc.libera.chat", Port: 6667},
		{Host: "irc.oftc.net", Port: 6667},
	}

	// TestnetRelays point at the same public network but are kept
	// distinct so operators can swap rendezvous points without touching
	// mainnet traffic.
	TestnetRelays = []RelayAddr{
		{Host: "irc.libera.chat", Port: 6667},
	}

	// LocalnetRelays target a relay run on the operator's machine, used
	// for development.
	LocalnetRelays = []RelayAddr{
		{Host: "127.0.0.1", Port: 6667},
	}
)
