package lifecycle

// progress turns completed work units into a percentage that never goes
// backwards and only reaches 100 when the scan completes.
type progress struct {
	units int
	done  int
	pct   int
}

// newProgress plans one unit per adapter, one for normalization, one for
// enrichment when it runs and one for finalizing.
func newProgress(adapters int, enrich bool) *progress {
	units := adapters + 2
	if enrich {
		units++
	}
	return &progress{units: units}
}

// advance marks n more units done and returns the new percentage.
func (p *progress) advance(n int) int {
	p.done += n
	if p.done > p.units {
		p.done = p.units
	}
	pct := p.done * 100 / p.units
	if pct > 99 {
		pct = 99
	}
	if pct > p.pct {
		p.pct = pct
	}
	return p.pct
}

func (p *progress) value() int {
	return p.pct
}

func (p *progress) complete() int {
	p.done = p.units
	p.pct = 100
	return p.pct
}
