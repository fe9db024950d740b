// Package rmptest plays whole sessions (a server with admission control
// and two players) over every transport.
package rmptest
