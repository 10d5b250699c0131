package ratebuffer

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const ratebufferPrefix = "ratebuffer"

func metaKey(entity common.Address) []byte {
	return []byte(fmt.Sprintf("%s/meta/%x", ratebufferPrefix, entity.Bytes()))
}

func slotKey(entity common.Address, slot uint16) []byte {
	return []byte(fmt.Sprintf("%s/slot/%x/%d", ratebufferPrefix, entity.Bytes(), slot))
}
