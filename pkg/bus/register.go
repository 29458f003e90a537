package bus

import (
	"fmt"

	sd2iec "github.com/kasbert/sd2iec"
)

type NewInterfaceFunc func(channel string) (sd2iec.Bus, error)

var AvailableInterfaces = make(map[string]NewInterfaceFunc)
var ImplementedInterfaces = []string{
	"gpio",
	"virtual",
}

// Register a new bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	AvailableInterfaces[interfaceType] = newInterface
}

// Create a new IEC bus attachment with the given interface.
// Currently supported : gpio, virtual
func NewBus(interfaceType string, channel string) (sd2iec.Bus, error) {
	createInterface, ok := AvailableInterfaces[interfaceType]
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", interfaceType)
	}
	return createInterface(channel)
}
