package config

import "path/filepath"

// defaults returns the compiled-in configuration tree, the lowest layer in
// the overlay order described in the runtime's configuration design.
func defaults(homeDir string) map[string]any {
	return map[string]any{
		"home_dir":    homeDir,
		"modules_dir": filepath.Join(homeDir, "modules"),
		"runtime_dir": filepath.Join(homeDir, "runtime"),

		"remote.base_url":        "https://kiwi.example.com",
		"remote.modules_path":    "/modules.json",
		"remote.tls.enabled":     true,
		"remote.tls.ca_chain":    "",
		"remote.timeout_seconds": 10,
		"remote.max_retries":     3,

		"server.host": "0.0.0.0",
		"server.port": 9001,

		"server.api.enabled":  true,
		"server.api.host":     "0.0.0.0",
		"server.api.port":     9001,
		"server.api.foreground": false,

		"server.api.tls.enabled":   false,
		"server.api.tls.cert":      "",
		"server.api.tls.key":       "",
		"server.api.tls.ca_chain":  "",

		"server.api.log.path":             filepath.Join(homeDir, "logs", "api.log"),
		"server.api.log.rotation.size":    10 * 1024 * 1024,
		"server.api.log.rotation.backups": 5,

		"server.daemon.foreground":        false,
		"server.daemon.log.path":          filepath.Join(homeDir, "logs", "daemon.log"),
		"server.daemon.log.rotation.size": 10 * 1024 * 1024,
		"server.daemon.log.rotation.backups": 5,

		"server.cyclops.enabled":  true,
		"server.cyclops.schedule": filepath.Join(homeDir, "server", "cyclops", "schedule"),
		"server.cyclops.host":     "0.0.0.0",
		"server.cyclops.port":     9002,

		"log.level":  "info",
		"log.format": "json",
		"log.output": "stdout",

		"cache.driver":      "memory",
		"cache.default_ttl": 60, // seconds; manifest cache TTL
	}
}
