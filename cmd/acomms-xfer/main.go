package main

import (
	acomms "github.com/acomms/acomms-go/src"
)

func main() {
	acomms.XferMain()
}
