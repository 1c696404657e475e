// Package shell is the command runner served over rpc: listing directories and running
// processes with their output relayed as live streams.
package shell
