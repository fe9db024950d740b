package packet

// Vector2 is two consecutive float32s on the wire (x, y).
type Vector2 struct {
	X, Y float32
}

// Vector3 is three consecutive float32s on the wire (x, y, z).
type Vector3 struct {
	X, Y, Z float32
}

// Quaternion is four consecutive float32s on the wire (x, y, z, w).
type Quaternion struct {
	X, Y, Z, W float32
}

// QuaternionIdentity is the no-rotation quaternion.
var QuaternionIdentity = Quaternion{W: 1}

type Vector2Int struct {
	X, Y int32
}

type Vector3Int struct {
	X, Y, Z int32
}

// Transform is what replicated objects usually send in their replication
// payload: position followed by rotation.
type Transform struct {
	Position Vector3
	Rotation Quaternion
}
