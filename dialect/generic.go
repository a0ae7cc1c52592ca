package dialect

// H2Adapter targets the H2 database, which locks with plain FOR UPDATE.
type H2Adapter struct {
	base
}

func newH2(cfg Config) *H2Adapter {
	a := &H2Adapter{base: base{name: H2, cfg: cfg}}
	a.self = a

	return a
}

// FromDual implements QueryTranslator.
func (a *H2Adapter) FromDual() string { return " FROM DUAL" }

// EmptyLobValue implements LobSupport.
func (a *H2Adapter) EmptyLobValue() string { return "X''" }

// GenericAdapter uses ANSI SQL only. Keys are looked up after insert and lock
// errors are recognized by message text.
type GenericAdapter struct {
	base
}

func newGeneric(cfg Config) *GenericAdapter {
	a := &GenericAdapter{base: base{name: Generic, cfg: cfg}}
	a.self = a

	return a
}
