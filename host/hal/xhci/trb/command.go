package trb

// NoOpCommand returns a No Op command.
func NoOpCommand() TRB {
	return TRB{Control: NewControl(TypeNoOpCommand)}
}

// EnableSlot returns an Enable Slot command for slotType (0 for USB).
func EnableSlot(slotType uint8) TRB {
	return TRB{Control: NewControl(TypeEnableSlotCommand).With(FieldSlotType, uint64(slotType))}
}

// DisableSlot returns a Disable Slot command.
func DisableSlot(slot uint8) TRB {
	return TRB{Control: NewControl(TypeDisableSlotCommand).With(FieldSlotID, uint64(slot))}
}

// AddressDevice returns an Address Device command for the input context at
// inputCtx. With bsr set the controller does not send SET_ADDRESS.
func AddressDevice(inputCtx uint64, slot uint8, bsr bool) TRB {
	return TRB{
		Parameter: inputCtx,
		Control: NewControl(TypeAddressDeviceCommand).
			WithFlag(FieldBSR, bsr).
			With(FieldSlotID, uint64(slot)),
	}
}

// ConfigureEndpoint returns a Configure Endpoint command.
func ConfigureEndpoint(inputCtx uint64, slot uint8) TRB {
	return TRB{
		Parameter: inputCtx,
		Control:   NewControl(TypeConfigureEndpointCommand).With(FieldSlotID, uint64(slot)),
	}
}

// EvaluateContext returns an Evaluate Context command.
func EvaluateContext(inputCtx uint64, slot uint8) TRB {
	return TRB{
		Parameter: inputCtx,
		Control:   NewControl(TypeEvaluateContextCommand).With(FieldSlotID, uint64(slot)),
	}
}

// ResetEndpoint returns a Reset Endpoint command for endpoint (DCI) ep.
func ResetEndpoint(slot, ep uint8) TRB {
	return TRB{
		Control: NewControl(TypeResetEndpointCommand).
			With(FieldEndpointID, uint64(ep)).
			With(FieldSlotID, uint64(slot)),
	}
}

// StopEndpoint returns a Stop Endpoint command for endpoint (DCI) ep.
func StopEndpoint(slot, ep uint8) TRB {
	return TRB{
		Control: NewControl(TypeStopEndpointCommand).
			With(FieldEndpointID, uint64(ep)).
			With(FieldSlotID, uint64(slot)),
	}
}

// SetTRDequeuePointer returns a Set TR Dequeue Pointer command moving
// endpoint (DCI) ep of slot to ptr, whose bit 0 carries the dequeue cycle
// state.
func SetTRDequeuePointer(ptr uint64, slot, ep uint8) TRB {
	return TRB{
		Parameter: ptr,
		Control: NewControl(TypeSetTRDequeueCommand).
			With(FieldEndpointID, uint64(ep)).
			With(FieldSlotID, uint64(slot)),
	}
}
