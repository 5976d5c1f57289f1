// Package confloader provides configuration loading for kvrocks.
//
// Configuration is merged from three sources, later overriding earlier:
//
//  1. Compiled-in defaults
//  2. YAML configuration file (-c flag)
//  3. Environment variables (KVROCKS_ prefix)
//
// Each source is tracked separately and the keys it sets are logged, so
// an option's effective origin can be read off the startup log. A
// fsnotify-based Watcher lets the server react to config-file edits at
// runtime; the server only applies the log level from a reload, every
// other option is fixed at startup.
package confloader
