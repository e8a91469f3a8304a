package lx

// accountKey identifies the slot inventory of one trader on one pair
type accountKey struct {
	trader string
	pair   PairID
}

// SlotInventory holds the fixed three slots for positions and, separately,
// pending limit orders of one (trader, pair). A nil entry is an empty slot.
type SlotInventory struct {
	Positions [SlotsPerPair]*Position
	Orders    [SlotsPerPair]*LimitOrder
}

// ActivePositions counts non-empty position slots
func (s *SlotInventory) ActivePositions() int {
	n := 0
	for _, p := range s.Positions {
		if p != nil {
			n++
		}
	}
	return n
}

// ActiveOrders counts non-empty order slots
func (s *SlotInventory) ActiveOrders() int {
	n := 0
	for _, o := range s.Orders {
		if o != nil {
			n++
		}
	}
	return n
}

// ActiveCount is the number of items counted against the per-pair cap
func (s *SlotInventory) ActiveCount() int {
	return s.ActivePositions() + s.ActiveOrders()
}

// HasCapacity reports whether one more position or order may be admitted.
// excluded items are subtracted first, e.g. the order being converted.
func (s *SlotInventory) HasCapacity(excluded int) bool {
	return s.ActiveCount()-excluded < SlotsPerPair
}

// NextPositionSlot returns the lowest empty position slot, or the highest
// index when every slot is occupied
func (s *SlotInventory) NextPositionSlot() int {
	for i, p := range s.Positions {
		if p == nil {
			return i
		}
	}
	return SlotsPerPair - 1
}

// NextOrderSlot returns the lowest empty order slot, or the highest index when
// every slot is occupied
func (s *SlotInventory) NextOrderSlot() int {
	for i, o := range s.Orders {
		if o == nil {
			return i
		}
	}
	return SlotsPerPair - 1
}

// Empty reports whether the inventory holds nothing
func (s *SlotInventory) Empty() bool {
	return s.ActiveCount() == 0
}

func validSlot(slot int) bool {
	return slot >= 0 && slot < SlotsPerPair
}
