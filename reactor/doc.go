// Package reactor runs a fixed pool of event-loop threads, each owning its
// own epoll instance, reaction tables and timer heap. Registrations are
// spread across threads round-robin; reactions on one thread execute
// serially, reactions on different threads execute in parallel.
package reactor
