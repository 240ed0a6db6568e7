// Command followsync discovers who a set of accounts follow and mirrors
// those relationships into the record store.
package main

func main() {
	Execute()
}
