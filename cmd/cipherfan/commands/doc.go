// Package commands defines the cipherfan CLI.
//
// Commands
//
//   - init         Create the local identity and publish the first bundle
//   - fingerprint  Print the identity fingerprint
//   - publish      Rotate or replenish prekeys and republish the bundle
//   - send         Fan a text message out to every recipient device
//   - send-media   Encrypt a file once and fan out its key
//   - recv         Fetch and decrypt queued messages
//   - member       Record chat membership changes
//   - group        Refresh member devices after a membership change
//   - sessions     List or prune ratchet sessions
//
// # Implementation
//
// The root command loads layered configuration, opens the encrypted key store
// and wires the services before any subcommand runs. Subcommands share that
// app context and the signal-aware context from main.
package commands
