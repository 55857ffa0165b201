// Package bot is the stateless bot-channel client. Operations run
// directly against the homeserver with the bot access token, one round
// trip per call, with no daemon involvement and no shared local state.
// This channel stays available while the session daemon is stopped.
package bot
