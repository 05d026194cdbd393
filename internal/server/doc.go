/*
Package server exposes the session service over HTTP.

# Endpoints

	GET    /session                                  list sessions (?directory= filters)
	POST   /session                                  create {directory, title?, mode?, allowedTools?}
	GET    /session/status                           statuses of running sessions
	GET    /session/{id}                             get
	PATCH  /session/{id}                             update {title?, mode?, allowedTools?}
	DELETE /session/{id}                             delete (409 while running)
	POST   /session/{id}/message                     start a turn {prompt}, 202
	POST   /session/{id}/abort                       abort the running turn
	GET    /session/{id}/permissions                 outstanding approval requests
	POST   /session/{id}/permissions/{requestID}     answer {behavior, message?, updatedInput?, result?}
	GET    /event                                    SSE stream (?sessionID= filters)
	GET    /health

# Events

Every SSE frame is "event: message" with a JSON body of the form
{"type": ..., "properties": ...}. The first frame is server.connected; the
rest carry stream.message, permission.request, permission.resolved,
status, session.created and session.deleted events as published on the
bus. A heartbeat comment is sent every 30 seconds.

# Errors

Failures use the envelope {"error": {"code", "message"}} with codes
INVALID_REQUEST (400), NOT_FOUND (404), SESSION_BUSY and
SESSION_NOT_RUNNING (409), INTERNAL_ERROR (500).
*/
package server
