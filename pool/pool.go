package pool

import "sync"

// Pool - пул рабочих горутин с фиксированной шириной. Используется для
// параллельной рассылки по участникам группы; логика надёжной доставки
// в пул не входит, задачи для него - непрозрачные функции.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New запускает пул с указанным числом рабочих горутин.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}

	p := &Pool{
		tasks: make(chan func(), workers*4),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit ставит задачу в очередь и сообщает, принята ли она.
// После Shutdown задачи не принимаются.
func (p *Pool) Submit(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.tasks <- task
	return true
}

// Do отправляет пакет задач и блокируется до завершения всех принятых.
func (p *Pool) Do(tasks ...func()) {
	var batch sync.WaitGroup

	for _, task := range tasks {
		task := task
		batch.Add(1)
		accepted := p.Submit(func() {
			defer batch.Done()
			task()
		})
		if !accepted {
			batch.Done()
		}
	}

	batch.Wait()
}

// Shutdown останавливает приём задач и дожидается рабочих горутин.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
