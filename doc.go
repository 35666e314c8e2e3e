// Package empire is the agent-management core of a command-and-control
// server. It owns the authoritative state of every remote agent that has
// checked in, runs the key-negotiation handshake that bootstraps a
// confidential channel to each agent, dispatches queued tasks when agents
// poll, and parses the encrypted results they return.
//
// # Architecture
//
// The module is organized into layers:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  agents/      Session manager, staging, dispatcher      │
//	├─────────────────────────────────────────────────────────┤
//	│  packets/     Routing/task/result wire codecs           │
//	├─────────────────────────────────────────────────────────┤
//	│  encryption/  AES-CBC+HMAC, RSA, Diffie-Hellman         │
//	├─────────────────────────────────────────────────────────┤
//	│  store/       Persistence adapter (SQLite)              │
//	├─────────────────────────────────────────────────────────┤
//	│  events/      Event bus, websocket + webhook fanout     │
//	└─────────────────────────────────────────────────────────┘
//
// Listener transports sit above this module: they deliver raw routing-packet
// bytes to agents.Manager.HandleAgentData and relay its replies. Everything
// below that call is synchronous and safe for concurrent listener threads.
//
// # Quick Start
//
//	st, _ := store.Open("empire.db")
//	bus := events.NewBus(logger)
//	mgr, _ := agents.NewManager(agents.Config{
//	    InstallPath: "/opt/server",
//	    Store:       st,
//	    Bus:         bus,
//	    Logger:      logger,
//	})
//	replies := mgr.HandleAgentData(stagingKey, body, opts, clientIP, true)
package empire
