// Package config loads agentdesk configuration.
//
// Sources are merged in order, later ones winning:
//
//  1. ~/.config/agentdesk/agentdesk.json and agentdesk.jsonc
//  2. <project>/.agentdesk/agentdesk.json and agentdesk.jsonc
//  3. the file named by AGENTDESK_CONFIG
//  4. inline JSON in AGENTDESK_CONFIG_CONTENT
//  5. AGENTDESK_PERMISSION_MODE, AGENTDESK_PERMISSION_TIMEOUT,
//     AGENTDESK_ENGINE_COMMAND and AGENTDESK_LOG_LEVEL
//
// Files may contain comments and trailing commas (JSONC). String values may
// reference {env:NAME} and {file:path}; relative file paths resolve against
// the directory of the config file that mentions them.
//
//	{
//	  // ask before every tool except reads
//	  "permission": {"mode": "secure", "timeout": "2m"},
//	  "engine": {"command": "claude -p --output-format stream-json --input-format stream-json --verbose --permission-prompt-tool stdio"},
//	  "server": {"port": 4096}
//	}
package config
