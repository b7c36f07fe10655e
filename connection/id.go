package connection

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

// ID_LENGTH is the length of a circuit id.
const ID_LENGTH = 21

func GenerateID() string {
	id, _ := nanoid.New()
	return id
}
