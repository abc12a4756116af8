package internal

import (
	"crypto/rand"
	"fmt"

	"github.com/BrownNPC/sigrelay"
	"github.com/google/uuid"
)

// IDGenerator returns a fresh candidate ClientID.
// Candidates may collide; the caller checks them against the registry.
type IDGenerator func() sigrelay.ClientID

const (
	StrategyUUID  = "uuid"
	StrategyShort = "short"
)

// UUIDClientID returns a random (v4) uuid. 122 bits of entropy.
func UUIDClientID() sigrelay.ClientID {
	return sigrelay.ClientID(uuid.NewString())
}

// SixCharClientID returns 6 base32 characters (30 bits).
// Collisions are likely enough that callers must retry on duplicates.
func SixCharClientID() sigrelay.ClientID {
	return sigrelay.ClientID(rand.Text()[:6])
}

// Generator returns the IDGenerator for a strategy name.
func Generator(strategy string) (IDGenerator, error) {
	switch strategy {
	case "", StrategyUUID:
		return UUIDClientID, nil
	case StrategyShort:
		return SixCharClientID, nil
	}
	return nil, fmt.Errorf("internal.Generator: unknown id strategy %q", strategy)
}

// GenerateUniqueClientID keeps generating until isUnique accepts an id.
func GenerateUniqueClientID(gen IDGenerator, isUnique func(id sigrelay.ClientID) bool) sigrelay.ClientID {
	id := gen()
	for !isUnique(id) {
		id = gen()
	}
	return id
}
