package proof

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultSubType is used when a caller omits the sub type.
const DefaultSubType = "standard"

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ValidateAddress checks a 0x-prefixed 20 byte hex address. IsHexAddress
// alone also accepts the bare form.
func ValidateAddress(addr string) error {
	if !addressPattern.MatchString(addr) || !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}

// Catalog maps each game type to the sub types that may be requested for it.
type Catalog map[GameType][]string

// DefaultCatalog returns the sub types served by the casino frontends.
func DefaultCatalog() Catalog {
	mines := make([]string, 0, 24)
	for i := 1; i <= 24; i++ {
		mines = append(mines, strconv.Itoa(i))
	}
	return Catalog{
		GameMines:    mines,
		GamePlinko:   {"8", "10", "12", "14", "16"},
		GameRoulette: {DefaultSubType},
		GameWheel:    {DefaultSubType},
	}
}

var defaultCatalog = DefaultCatalog()

// Contains reports whether the catalog recognizes the pair.
func (c Catalog) Contains(g GameType, subType string) bool {
	for _, st := range c[g] {
		if st == subType {
			return true
		}
	}
	return false
}

// Validate returns ErrInvalidGameType or ErrInvalidSubType for pairs the
// catalog does not serve.
func (c Catalog) Validate(b BatchItem) error {
	if !b.GameType.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidGameType, uint8(b.GameType))
	}
	if !c.Contains(b.GameType, b.GameSubType) {
		return fmt.Errorf("%w: %q for %s", ErrInvalidSubType, b.GameSubType, b.GameType)
	}
	return nil
}

// ValidPair checks the pair against the default catalog.
func ValidPair(g GameType, subType string) bool {
	return defaultCatalog.Contains(g, subType)
}

// Priority returns the processing priority of a game type. Higher runs first;
// single-subtype games are cheapest to fill and go ahead of the wide ones.
func Priority(g GameType) int {
	switch g {
	case GameRoulette:
		return 4
	case GameWheel:
		return 3
	case GamePlinko:
		return 2
	case GameMines:
		return 1
	default:
		return 0
	}
}

// ByPriority returns game types ordered by descending priority.
func ByPriority(types []GameType) []GameType {
	out := append([]GameType(nil), types...)
	sort.SliceStable(out, func(i, j int) bool {
		return Priority(out[i]) > Priority(out[j])
	})
	return out
}

// SortByPriority orders items by descending game priority, keeping the
// relative order of items with equal priority.
func SortByPriority(items []BatchItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return Priority(items[i].GameType) > Priority(items[j].GameType)
	})
}
