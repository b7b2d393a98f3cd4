// Command adnl-node runs and inspects ADNL nodes
package main

func main() {
	Execute()
}
