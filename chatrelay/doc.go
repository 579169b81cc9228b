// Package chatrelay implements a Discord bot that relays messages to an
// OpenAI-compatible chat completion API (Groq, by default), along with a
// short window of recent conversation history, and sends the reply back.
//
// Key components of the package include:
//
//   - ChatRelay: owns the in-memory state and ties the components together.
//   - HistoryStore: fixed-size conversation history buffers, keyed by
//     conversation (global, per-user or per-guild).
//   - Relay: appends prompts to history, streams a completion using a
//     randomly chosen API key, and records the reply.
//   - SeverityClassifier: rates new member nicknames from 1 to 5, so
//     offensive ones can be replaced with a placeholder.
//   - Discord: the discord session and application commands.
//   - API: an admin HTTP API for inspecting and pruning history.
//
// The bot supports these commands:
//
//   - /talk: Sets the channel the bot replies to plain messages in (admin only).
//   - /ask: Asks the bot a question.
//   - /remember: Adds a message to the conversation without a reply.
//   - /forget: Removes messages matching the given text from the conversation.
//   - /clear: Clears the conversation.
//   - /severity: Sets the nickname severity threshold for the server.
//
// Conversation history, reply channels and severity thresholds are held
// in memory only, and reset on restart. The database is an audit log of
// interactions, completions and nickname reviews.
package chatrelay
