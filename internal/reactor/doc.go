// Package reactor wraps a level-triggered Linux epoll instance with an
// eventfd so that other goroutines can wake a thread blocked in Wait.
//
// A Poller is owned by a single goroutine; only Wake and Close may be
// called from elsewhere.
package reactor
