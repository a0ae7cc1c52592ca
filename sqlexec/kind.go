package sqlexec

import "github.com/velmie/tablequeue/lob"

// Kind selects how a Context executes its statement.
type Kind interface {
	kindName() string
}

// Select reads rows. MaxRows limits how many are buffered; zero reads all.
type Select struct {
	MaxRows int
}

// Exec runs a statement for its row count.
type Exec struct{}

// UpdateLob encodes the value of Param with Codec before executing, so a
// payload lands in a LOB column the same way the log writes it.
type UpdateLob struct {
	Param     string
	Codec     lob.Codec
	Character bool
}

// Call invokes a stored procedure and buffers any result set it returns.
type Call struct{}

func (Select) kindName() string    { return "select" }
func (Exec) kindName() string      { return "exec" }
func (UpdateLob) kindName() string { return "update-lob" }
func (Call) kindName() string      { return "call" }
