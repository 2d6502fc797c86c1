package a

type budget struct{}

func (budget) Admit(site int) error { return nil }

type reader struct{}

func (reader) Uioread(dst []byte) (int, error) { return 0, nil }

func unbudgeted(r reader, dst []byte) {
	for len(dst) != 0 { // want "loop in unbudgeted copies user/kernel or disk bytes without a budget Admit call"
		n, _ := r.Uioread(dst)
		dst = dst[n:]
	}
}

func budgeted(r reader, b budget, dst []byte) {
	for len(dst) != 0 {
		if err := b.Admit(0); err != nil {
			return
		}
		n, _ := r.Uioread(dst)
		dst = dst[n:]
	}
}
