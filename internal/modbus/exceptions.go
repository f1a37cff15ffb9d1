package modbus

import "fmt"

// Exception is a Modbus exception code, as returned when a response's
// function byte has its top bit set.
type Exception byte

// Exception codes the gateway is known to return.
const (
	IllegalFunction         Exception = 0x01
	IllegalDataAddress      Exception = 0x02
	IllegalDataValue        Exception = 0x03
	SlaveDeviceFailure      Exception = 0x04
	Acknowledge             Exception = 0x05
	SlaveBusy               Exception = 0x06
	MemoryParityError       Exception = 0x08
	GatewayPathUnavailable  Exception = 0x0A
	GatewayTargetNoResponse Exception = 0x0B
)

// Error implements the error interface, naming the exception the way the
// wire exception codes are documented.
func (e Exception) Error() string {
	return "modbus: " + e.Name()
}

// Name returns the surface name for the exception code.
func (e Exception) Name() string {
	switch e {
	case IllegalFunction:
		return "IllegalFunction"
	case IllegalDataAddress:
		return "IllegalDataAddress"
	case IllegalDataValue:
		return "IllegalDataValue"
	case SlaveDeviceFailure:
		return "SlaveDeviceFailure"
	case Acknowledge:
		return "Acknowledge"
	case SlaveBusy:
		return "SlaveBusy"
	case MemoryParityError:
		return "MemoryParityError"
	case GatewayPathUnavailable:
		return "GatewayPathUnavailable"
	case GatewayTargetNoResponse:
		return "GatewayTargetDidNotRespond"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", byte(e))
	}
}
